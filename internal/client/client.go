// Package client talks to the turnos HTTP API on behalf of the attendant and
// display binaries. It implements workspace.Backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/workspace"
)

const defaultTimeout = 10 * time.Second

type Options struct {
	Token      string
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   logrus.FieldLogger
}

var _ workspace.Backend = (*Client)(nil)

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		}
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Client{base: u, token: strings.TrimSpace(opts.Token), http: opts.HTTPClient, log: opts.Log}, nil
}

type IssueRequest struct {
	RequestID      string `json:"request_id"`
	SiteID         string `json:"site_id"`
	ServiceID      string `json:"service_id"`
	PriorityID     string `json:"priority_id"`
	Notes          string `json:"notes,omitempty"`
	AppointmentRef string `json:"appointment_ref,omitempty"`
}

// IssueTicket creates a ticket. An empty RequestID gets a fresh one.
func (c *Client) IssueTicket(ctx context.Context, req IssueRequest) (models.Ticket, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	var out models.Ticket
	_, err := c.do(ctx, http.MethodPost, "/api/tickets", nil, req, &out)
	return out, err
}

func (c *Client) Snapshot(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
	var out []models.DisplayTicket
	_, err := c.do(ctx, http.MethodGet, "/api/tickets/snapshot", url.Values{"site_id": {siteID}}, nil, &out)
	return out, err
}

func (c *Client) ListCubicles(ctx context.Context, siteID string) ([]models.Cubicle, error) {
	var out []models.Cubicle
	_, err := c.do(ctx, http.MethodGet, "/api/cubicles", url.Values{"site_id": {siteID}}, nil, &out)
	return out, err
}

type cubicleBody struct {
	RequestID   string `json:"request_id"`
	SiteID      string `json:"site_id"`
	ReasonID    string `json:"reason_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func cubiclePath(cubicleID, action string) string {
	return "/api/cubicles/" + url.PathEscape(cubicleID) + "/actions/" + action
}

func (c *Client) SelectCubicle(ctx context.Context, req workspace.CubicleRequest) (models.AttendantSession, error) {
	var out models.AttendantSession
	_, err := c.do(ctx, http.MethodPost, cubiclePath(req.CubicleID, "select"), nil,
		cubicleBody{RequestID: req.RequestID, SiteID: req.SiteID}, &out)
	return out, err
}

func (c *Client) ReleaseCubicle(ctx context.Context, req workspace.CubicleRequest) error {
	_, err := c.do(ctx, http.MethodPost, cubiclePath(req.CubicleID, "release"), nil,
		cubicleBody{RequestID: req.RequestID, SiteID: req.SiteID}, nil)
	return err
}

func (c *Client) Pause(ctx context.Context, req workspace.PauseRequest) (models.PauseRecord, error) {
	var out models.PauseRecord
	_, err := c.do(ctx, http.MethodPost, cubiclePath(req.CubicleID, "pause"), nil,
		cubicleBody{RequestID: req.RequestID, SiteID: req.SiteID, ReasonID: req.ReasonID, Description: req.Description}, &out)
	return out, err
}

func (c *Client) Resume(ctx context.Context, req workspace.CubicleRequest) (models.PauseRecord, error) {
	var out models.PauseRecord
	_, err := c.do(ctx, http.MethodPost, cubiclePath(req.CubicleID, "resume"), nil,
		cubicleBody{RequestID: req.RequestID, SiteID: req.SiteID}, &out)
	return out, err
}

func (c *Client) ActiveSession(ctx context.Context, siteID string) (models.ActiveSession, bool, error) {
	var out models.ActiveSession
	status, err := c.do(ctx, http.MethodGet, "/api/sessions/active", url.Values{"site_id": {siteID}}, nil, &out)
	if err != nil {
		return models.ActiveSession{}, false, err
	}
	if status == http.StatusNoContent {
		return models.ActiveSession{}, false, nil
	}
	return out, true, nil
}

type callNextBody struct {
	RequestID string `json:"request_id"`
	SiteID    string `json:"site_id"`
	CubicleID string `json:"cubicle_id"`
}

func (c *Client) CallNext(ctx context.Context, req workspace.CubicleRequest) (models.Ticket, error) {
	var out models.Ticket
	_, err := c.do(ctx, http.MethodPost, "/api/tickets/actions/call-next", nil,
		callNextBody{RequestID: req.RequestID, SiteID: req.SiteID, CubicleID: req.CubicleID}, &out)
	return out, err
}

type ticketBody struct {
	RequestID string `json:"request_id"`
	SiteID    string `json:"site_id"`
	CubicleID string `json:"cubicle_id,omitempty"`
	ReasonID  string `json:"reason_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (c *Client) ticketAction(ctx context.Context, action string, req workspace.TicketRequest) (models.Ticket, error) {
	var out models.Ticket
	path := "/api/tickets/" + url.PathEscape(req.TicketID) + "/actions/" + action
	_, err := c.do(ctx, http.MethodPost, path, nil, ticketBody{
		RequestID: req.RequestID,
		SiteID:    req.SiteID,
		CubicleID: req.CubicleID,
		ReasonID:  req.ReasonID,
		Notes:     req.Notes,
	}, &out)
	return out, err
}

func (c *Client) Recall(ctx context.Context, req workspace.TicketRequest) (models.Ticket, error) {
	return c.ticketAction(ctx, "recall", req)
}

func (c *Client) BeginAttend(ctx context.Context, req workspace.TicketRequest) (models.Ticket, error) {
	return c.ticketAction(ctx, "attend", req)
}

func (c *Client) Finish(ctx context.Context, req workspace.TicketRequest) (models.Ticket, error) {
	return c.ticketAction(ctx, "finish", req)
}

func (c *Client) Cancel(ctx context.Context, req workspace.TicketRequest) (models.Ticket, error) {
	return c.ticketAction(ctx, "cancel", req)
}

// do sends one request and decodes a 2xx body into out. Structured error
// bodies come back as *apierr.RemoteError; anything that never produced a
// response is an *apierr.TransportError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	op := method + " " + path
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &apierr.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.log.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("api request")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, &apierr.TransportError{Op: op, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var decoded apierr.Response
		if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Error.Code == "" {
			decoded.Error = apierr.Body{Message: http.StatusText(resp.StatusCode)}
		}
		return resp.StatusCode, decoded.Error.Err(resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.StatusCode, nil
}
