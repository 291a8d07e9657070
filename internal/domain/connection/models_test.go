package connection

import (
	"errors"
	"testing"
	"time"
)

var allStatuses = []Status{
	StatusActive, StatusPending, StatusError, StatusLoginRequired, StatusRequiresAttention, StatusDisconnected,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusActive, StatusError, true},
		{StatusActive, StatusLoginRequired, true},
		{StatusActive, StatusRequiresAttention, true},
		{StatusActive, StatusDisconnected, false},
		{StatusPending, StatusActive, true},
		{StatusPending, StatusRequiresAttention, false},
		{StatusError, StatusDisconnected, true},
		{StatusLoginRequired, StatusDisconnected, true},
		{StatusRequiresAttention, StatusDisconnected, true},
		{StatusRequiresAttention, StatusActive, true},
		{StatusDisconnected, StatusActive, false},
		{StatusDisconnected, StatusError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCanTransition_DisconnectedOnlyFromErrorFamily(t *testing.T) {
	for _, from := range allStatuses {
		if CanTransition(from, StatusDisconnected) && !from.IsErrorFamily() {
			t.Errorf("%s -> DISCONNECTED allowed from a non-error state", from)
		}
	}
}

// Walks every sequence of health-check outcomes up to length 5 starting
// from ACTIVE and checks DISCONNECTED is never entered straight from ACTIVE.
func TestTransitionSequences_NeverSkipErrorFamily(t *testing.T) {
	var walk func(prev Status, depth int)
	walk = func(prev Status, depth int) {
		if depth == 0 {
			return
		}
		for _, next := range allStatuses {
			if !CanTransition(prev, next) {
				continue
			}
			if prev == StatusActive && next == StatusDisconnected {
				t.Fatalf("observed ACTIVE -> DISCONNECTED")
			}
			walk(next, depth-1)
		}
	}
	walk(StatusActive, 5)
}

func TestTransition_ErrorMessageAndSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-48 * time.Hour)
	oldMsg := "old"

	tests := []struct {
		name          string
		conn          Connection
		to            Status
		msg           string
		wantMsg       *string
		wantSince     *time.Time
		wantErr       error
	}{
		{
			name:      "active to error sets since now",
			conn:      Connection{Status: StatusActive, Version: 4},
			to:        StatusError,
			msg:       "timeout",
			wantMsg:   strPtr("timeout"),
			wantSince: &now,
		},
		{
			name:      "error to login keeps original since",
			conn:      Connection{Status: StatusError, ErrorMessage: &oldMsg, ErrorSince: &earlier},
			to:        StatusLoginRequired,
			msg:       "",
			wantMsg:   strPtr("LOGIN_REQUIRED"),
			wantSince: &earlier,
		},
		{
			name:      "error to active clears message",
			conn:      Connection{Status: StatusError, ErrorMessage: &oldMsg, ErrorSince: &earlier},
			to:        StatusActive,
			wantMsg:   nil,
			wantSince: nil,
		},
		{
			name:    "disconnected is terminal",
			conn:    Connection{Status: StatusDisconnected},
			to:      StatusActive,
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd, err := tt.conn.Transition(tt.to, tt.msg, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition() unexpected error: %v", err)
			}
			if upd.Status != tt.to {
				t.Errorf("Status = %s, want %s", upd.Status, tt.to)
			}
			if upd.ExpectedVersion != tt.conn.Version {
				t.Errorf("ExpectedVersion = %d, want %d", upd.ExpectedVersion, tt.conn.Version)
			}
			if (upd.ErrorMessage == nil) != (tt.wantMsg == nil) {
				t.Fatalf("ErrorMessage = %v, want %v", upd.ErrorMessage, tt.wantMsg)
			}
			if tt.wantMsg != nil && *upd.ErrorMessage != *tt.wantMsg {
				t.Errorf("ErrorMessage = %q, want %q", *upd.ErrorMessage, *tt.wantMsg)
			}
			if (upd.ErrorSince == nil) != (tt.wantSince == nil) {
				t.Fatalf("ErrorSince = %v, want %v", upd.ErrorSince, tt.wantSince)
			}
			if tt.wantSince != nil && !upd.ErrorSince.Equal(*tt.wantSince) {
				t.Errorf("ErrorSince = %v, want %v", *upd.ErrorSince, *tt.wantSince)
			}
		})
	}
}

func TestTransition_ErrorMessageIffErrorFamily(t *testing.T) {
	now := time.Now()
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			c := Connection{Status: from}
			upd, err := c.Transition(to, "msg", now)
			if err != nil {
				continue
			}
			if to.IsErrorFamily() != (upd.ErrorMessage != nil) {
				t.Errorf("%s -> %s: error message presence = %v", from, to, upd.ErrorMessage != nil)
			}
		}
	}
}

func TestNotifiedWithin(t *testing.T) {
	now := time.Now()
	twoDays := now.Add(-48 * time.Hour)
	fourDays := now.Add(-96 * time.Hour)

	if NotifiedWithin(nil, now, 72*time.Hour) {
		t.Error("nil timestamp should not be within window")
	}
	if !NotifiedWithin(&twoDays, now, 72*time.Hour) {
		t.Error("2 days ago should be within a 3 day window")
	}
	if NotifiedWithin(&fourDays, now, 72*time.Hour) {
		t.Error("4 days ago should be outside a 3 day window")
	}
}

func TestHasTeam(t *testing.T) {
	empty := ""
	team := "team_1"
	if (&Connection{}).HasTeam() {
		t.Error("nil team should report false")
	}
	if (&Connection{TeamID: &empty}).HasTeam() {
		t.Error("empty team should report false")
	}
	if !(&Connection{TeamID: &team}).HasTeam() {
		t.Error("set team should report true")
	}
}

func strPtr(s string) *string { return &s }
