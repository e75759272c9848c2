package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
)

func TestSetChecks(t *testing.T) {
	s := NewSet(CallTicket, " ", FinishTicket)
	cases := []struct {
		name string
		any  []string
		want bool
	}{
		{name: CallTicket, want: true},
		{name: CancelAny, want: false},
		{any: []string{CancelAny, FinishTicket}, want: true},
		{any: []string{CancelAny, PauseSession}, want: false},
		{any: nil, want: false},
	}
	for _, tc := range cases {
		var got bool
		if tc.name != "" {
			got = s.HasPermission(tc.name)
		} else {
			got = s.HasAnyPermission(tc.any...)
		}
		if got != tc.want {
			t.Fatalf("%q %v: got %v", tc.name, tc.any, got)
		}
	}
	if len(s.List()) != 2 {
		t.Fatalf("blank permission kept: %v", s.List())
	}
	if !NewSet(All).HasPermission(CancelAny) {
		t.Fatal("wildcard should grant everything")
	}
}

func TestIssueVerify(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	token, err := Issue(secret, "u-1", Attendant, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Verify(secret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "u-1" || !claims.Set().HasPermission(PauseSession) {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := Verify([]byte("other"), token); !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("wrong secret: %v", err)
	}
	expired, _ := Issue(secret, "u-1", Attendant, time.Minute, now.Add(-time.Hour))
	if _, err := Verify(secret, expired); !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("expired token: %v", err)
	}

	unverified, err := ReadUnverified(token)
	if err != nil || unverified.Subject != "u-1" {
		t.Fatalf("read unverified: %+v %v", unverified, err)
	}
}
