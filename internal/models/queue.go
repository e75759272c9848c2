package models

import "time"

// QueueKey orders waiting tickets: lower priority level first, then earlier
// issuance, then issuance sequence for tickets created in the same instant.
type QueueKey struct {
	Level    int
	IssuedAt time.Time
	Seq      int64
}

func (k QueueKey) Less(other QueueKey) bool {
	if k.Level != other.Level {
		return k.Level < other.Level
	}
	if !k.IssuedAt.Equal(other.IssuedAt) {
		return k.IssuedAt.Before(other.IssuedAt)
	}
	return k.Seq < other.Seq
}

func (t Ticket) QueueKey() QueueKey {
	return QueueKey{Level: t.PriorityLevel, IssuedAt: t.CreatedAt, Seq: t.Seq}
}

func (t DisplayTicket) QueueKey() QueueKey {
	return QueueKey{Level: t.PriorityLevel, IssuedAt: t.IssuedAt, Seq: t.Seq}
}
