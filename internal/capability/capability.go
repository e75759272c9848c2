// Package capability names the permissions that gate workspace actions and
// carries them in HS256 bearer tokens.
package capability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layneker8/soft-turnos/internal/apierr"
)

const (
	IssueTicket   = "tickets.issue"
	CallTicket    = "tickets.call"
	RecallTicket  = "tickets.recall"
	AttendTicket  = "tickets.attend"
	FinishTicket  = "tickets.finish"
	CancelTicket  = "tickets.cancel"
	CancelAny     = "tickets.cancel.any"
	ViewAudit     = "tickets.audit"
	SelectCubicle = "cubicles.select"
	PauseSession  = "sessions.pause"

	// All grants every permission.
	All = "*"
)

// Attendant is the default grant for a cubicle operator.
var Attendant = []string{CallTicket, RecallTicket, AttendTicket, FinishTicket, CancelTicket, SelectCubicle, PauseSession}

type Set map[string]struct{}

func NewSet(perms ...string) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

func (s Set) HasPermission(name string) bool {
	if _, ok := s[All]; ok {
		return true
	}
	_, ok := s[name]
	return ok
}

func (s Set) HasAnyPermission(names ...string) bool {
	for _, name := range names {
		if s.HasPermission(name) {
			return true
		}
	}
	return false
}

func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func (c Claims) Set() Set {
	return NewSet(c.Permissions...)
}

// Issue signs a token for subject valid for ttl from now.
func Issue(secret []byte, subject string, perms []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry. Every failure wraps ErrUnauthorized.
func Verify(secret []byte, raw string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Claims{}, fmt.Errorf("%w: %v", apierr.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token has no subject", apierr.ErrUnauthorized)
	}
	return claims, nil
}

// ReadUnverified decodes claims without checking the signature. Clients use
// it to gate actions locally; the server still verifies every request.
func ReadUnverified(raw string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("read token: %w", err)
	}
	return claims, nil
}
