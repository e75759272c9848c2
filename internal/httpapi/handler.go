package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

type Handler struct {
	store store.TicketStore
	clock clock.Clock
	log   logrus.FieldLogger
}

type Options struct {
	Clock clock.Clock
	Log   logrus.FieldLogger
}

func NewHandler(st store.TicketStore, options Options) *Handler {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Log == nil {
		options.Log = logger.Discard()
	}
	return &Handler{store: st, clock: options.Clock, log: options.Log}
}

// Routes registers the API endpoints on mux. Authentication is applied by
// AuthMiddleware around the whole mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleIssue)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/tickets/", h.handleTicketPath)
	mux.HandleFunc("/api/cubicles", h.handleCubicles)
	mux.HandleFunc("/api/cubicles/", h.handleCubicleActions)
	mux.HandleFunc("/api/sessions/active", h.handleActiveSession)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type issueRequest struct {
	RequestID      string `json:"request_id"`
	SiteID         string `json:"site_id"`
	ServiceID      string `json:"service_id"`
	PriorityID     string `json:"priority_id"`
	Notes          string `json:"notes"`
	AppointmentRef string `json:"appointment_ref"`
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, capability.IssueTicket) {
		return
	}
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.PriorityID = strings.TrimSpace(req.PriorityID)
	var details []apierr.FieldError
	details = requireUUID(details, "request_id", req.RequestID)
	details = requireField(details, "site_id", req.SiteID)
	details = requireField(details, "service_id", req.ServiceID)
	details = requireField(details, "priority_id", req.PriorityID)
	if len(details) > 0 {
		writeInvalid(w, req.RequestID, details)
		return
	}

	ticket, _, err := h.store.IssueTicket(r.Context(), store.IssueTicketInput{
		RequestID:      req.RequestID,
		SiteID:         req.SiteID,
		ServiceID:      req.ServiceID,
		PriorityID:     req.PriorityID,
		Notes:          strings.TrimSpace(req.Notes),
		AppointmentRef: strings.TrimSpace(req.AppointmentRef),
		CreatedAt:      h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	SiteID    string `json:"site_id"`
	CubicleID string `json:"cubicle_id"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, capability.CallTicket) {
		return
	}
	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	req.CubicleID = strings.TrimSpace(req.CubicleID)
	var details []apierr.FieldError
	details = requireUUID(details, "request_id", req.RequestID)
	details = requireField(details, "site_id", req.SiteID)
	details = requireField(details, "cubicle_id", req.CubicleID)
	if len(details) > 0 {
		writeInvalid(w, req.RequestID, details)
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID:   req.RequestID,
		SiteID:      req.SiteID,
		CubicleID:   req.CubicleID,
		AttendantID: subjectFromContext(r.Context()),
		CalledAt:    h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleSnapshot is public: it only exposes display tickets.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeInvalid(w, "", []apierr.FieldError{{Field: "site_id", Message: "is required"}})
		return
	}
	tickets, err := h.store.SnapshotTickets(r.Context(), siteID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, displayTickets(tickets))
}

type ticketActionRequest struct {
	RequestID string `json:"request_id"`
	SiteID    string `json:"site_id"`
	CubicleID string `json:"cubicle_id"`
	ReasonID  string `json:"reason_id"`
	Notes     string `json:"notes"`
}

// handleTicketPath serves /api/tickets/{id}, /api/tickets/{id}/events and
// /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicketPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if ticketID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, capability.CallTicket, capability.ViewAudit) {
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeInvalid(w, "", []apierr.FieldError{{Field: "site_id", Message: "is required"}})
		return
	}
	ticket, err := h.store.GetTicket(r.Context(), siteID, ticketID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type ticketEventsResponse struct {
	Events   []store.TicketEvent `json:"events"`
	Verified bool                `json:"verified"`
	Ticket   *models.Ticket      `json:"ticket,omitempty"`
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, capability.ViewAudit) {
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeInvalid(w, "", []apierr.FieldError{{Field: "site_id", Message: "is required"}})
		return
	}
	events, err := h.store.ListTicketEvents(r.Context(), siteID, ticketID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	resp := ticketEventsResponse{Events: events}
	if err := store.VerifyTicketEvents(events); err != nil {
		h.log.WithError(err).WithField("ticket_id", ticketID).Warn("ticket audit chain does not verify")
	} else if ticket, err := store.RehydrateTicket(events); err == nil {
		resp.Verified = true
		resp.Ticket = &ticket
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var run func(r *http.Request, in store.TicketActionInput) (models.Ticket, bool, error)
	var perms []string
	switch action {
	case "recall":
		run, perms = h.recall, []string{capability.RecallTicket}
	case "attend":
		run, perms = h.attend, []string{capability.AttendTicket}
	case "finish":
		run, perms = h.finish, []string{capability.FinishTicket}
	case "cancel":
		run, perms = h.cancel, []string{capability.CancelTicket, capability.CancelAny}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !requirePermission(w, r, perms...) {
		return
	}

	var req ticketActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	req.CubicleID = strings.TrimSpace(req.CubicleID)
	var details []apierr.FieldError
	details = requireUUID(details, "request_id", req.RequestID)
	details = requireField(details, "site_id", req.SiteID)
	if action != "cancel" {
		details = requireField(details, "cubicle_id", req.CubicleID)
	}
	if len(details) > 0 {
		writeInvalid(w, req.RequestID, details)
		return
	}

	ticket, _, err := run(r, store.TicketActionInput{
		RequestID:   req.RequestID,
		SiteID:      req.SiteID,
		TicketID:    ticketID,
		CubicleID:   req.CubicleID,
		AttendantID: subjectFromContext(r.Context()),
		ReasonID:    strings.TrimSpace(req.ReasonID),
		Notes:       strings.TrimSpace(req.Notes),
		Override:    permissionsFromContext(r.Context()).HasPermission(capability.CancelAny),
		OccurredAt:  h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) recall(r *http.Request, in store.TicketActionInput) (models.Ticket, bool, error) {
	return h.store.RecallTicket(r.Context(), in)
}

func (h *Handler) attend(r *http.Request, in store.TicketActionInput) (models.Ticket, bool, error) {
	return h.store.BeginAttend(r.Context(), in)
}

func (h *Handler) finish(r *http.Request, in store.TicketActionInput) (models.Ticket, bool, error) {
	return h.store.FinishTicket(r.Context(), in)
}

func (h *Handler) cancel(r *http.Request, in store.TicketActionInput) (models.Ticket, bool, error) {
	return h.store.CancelTicket(r.Context(), in)
}

func (h *Handler) handleCubicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeInvalid(w, "", []apierr.FieldError{{Field: "site_id", Message: "is required"}})
		return
	}
	cubicles, err := h.store.ListCubicles(r.Context(), siteID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, cubicles)
}

type cubicleActionRequest struct {
	RequestID   string `json:"request_id"`
	SiteID      string `json:"site_id"`
	ReasonID    string `json:"reason_id"`
	Description string `json:"description"`
}

func (h *Handler) handleCubicleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/cubicles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cubicleID, action := parts[0], parts[2]

	perm := capability.SelectCubicle
	switch action {
	case "select", "release":
	case "pause", "resume":
		perm = capability.PauseSession
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !requirePermission(w, r, perm) {
		return
	}

	var req cubicleActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SiteID = strings.TrimSpace(req.SiteID)
	req.ReasonID = strings.TrimSpace(req.ReasonID)
	var details []apierr.FieldError
	details = requireUUID(details, "request_id", req.RequestID)
	details = requireField(details, "site_id", req.SiteID)
	if action == "pause" {
		details = requireField(details, "reason_id", req.ReasonID)
	}
	if len(details) > 0 {
		writeInvalid(w, req.RequestID, details)
		return
	}

	in := store.CubicleInput{
		RequestID:   req.RequestID,
		SiteID:      req.SiteID,
		CubicleID:   cubicleID,
		AttendantID: subjectFromContext(r.Context()),
		OccurredAt:  h.clock.Now(),
	}
	var (
		result any
		err    error
	)
	switch action {
	case "select":
		result, err = h.store.SelectCubicle(r.Context(), in)
	case "release":
		err = h.store.ReleaseCubicle(r.Context(), in)
	case "pause":
		result, err = h.store.PauseSession(r.Context(), store.PauseInput{
			RequestID:   in.RequestID,
			SiteID:      in.SiteID,
			CubicleID:   in.CubicleID,
			AttendantID: in.AttendantID,
			ReasonID:    req.ReasonID,
			Description: strings.TrimSpace(req.Description),
			OccurredAt:  in.OccurredAt,
		})
	case "resume":
		result, err = h.store.ResumeSession(r.Context(), in)
	}
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeInvalid(w, "", []apierr.FieldError{{Field: "site_id", Message: "is required"}})
		return
	}
	active, err := h.store.GetActiveSession(r.Context(), siteID, subjectFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func displayTickets(tickets []models.Ticket) []models.DisplayTicket {
	out := make([]models.DisplayTicket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.Display())
	}
	return out
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "request_id": requestID}).Error("request failed")
	}
	writeError(w, requestID, status, code, msg, nil)
}

func mapError(err error) (int, string, string) {
	status, code := apierr.Code(err)
	if status >= http.StatusInternalServerError {
		return status, code, "internal server error"
	}
	return status, code, err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, "", http.StatusBadRequest, apierr.CodeInvalidJSON, "invalid JSON payload", nil)
		return false
	}
	return true
}

func requireField(details []apierr.FieldError, field, value string) []apierr.FieldError {
	if value == "" {
		return append(details, apierr.FieldError{Field: field, Message: "is required"})
	}
	return details
}

func requireUUID(details []apierr.FieldError, field, value string) []apierr.FieldError {
	if value == "" {
		return append(details, apierr.FieldError{Field: field, Message: "is required"})
	}
	if _, err := uuid.Parse(value); err != nil {
		return append(details, apierr.FieldError{Field: field, Message: "must be a UUID"})
	}
	return details
}

func writeInvalid(w http.ResponseWriter, requestID string, details []apierr.FieldError) {
	writeError(w, requestID, http.StatusBadRequest, apierr.CodeInvalidRequest, "invalid request", details)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string, details []apierr.FieldError) {
	writeJSON(w, status, apierr.Response{
		RequestID: requestID,
		Error:     apierr.Body{Code: code, Message: message, Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
