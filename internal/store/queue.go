package store

import (
	"fmt"

	"github.com/layneker8/soft-turnos/internal/models"
)

const ticketCodePad = 3

func FormatTicketCode(prefix string, n int64) string {
	return fmt.Sprintf("%s-%0*d", prefix, ticketCodePad, n)
}

// PickNext returns the waiting ticket call-next serves first. An empty
// serviceIDs accepts every service.
func PickNext(tickets []models.Ticket, serviceIDs []string) (models.Ticket, bool) {
	allowed := make(map[string]struct{}, len(serviceIDs))
	for _, id := range serviceIDs {
		allowed[id] = struct{}{}
	}
	var best models.Ticket
	found := false
	for _, t := range tickets {
		if t.State != models.StateWaiting {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[t.ServiceID]; !ok {
				continue
			}
		}
		if !found || t.QueueKey().Less(best.QueueKey()) {
			best = t
			found = true
		}
	}
	return best, found
}
