package domain

import (
	"errors"
	"testing"
)

func TestValidateTransition_Allowed(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusWaitingForUser},
		{StatusFailed, StatusRunning},
		{StatusWaitingForUser, StatusRunning},
	}

	for _, tt := range tests {
		if err := ValidateTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error: %v", tt.from, tt.to, err)
		}
	}
}

func TestValidateTransition_Closure(t *testing.T) {
	// Полный перебор пар: разрешены только переходы из таблицы и запись в тот же статус
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:        true,
		{StatusRunning, StatusCompleted}:      true,
		{StatusRunning, StatusFailed}:         true,
		{StatusRunning, StatusWaitingForUser}: true,
		{StatusFailed, StatusRunning}:         true,
		{StatusWaitingForUser, StatusRunning}: true,
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			err := ValidateTransition(from, to)
			expectOK := from == to || allowed[[2]Status{from, to}]

			if expectOK && err != nil {
				t.Errorf("%s → %s: expected allowed, got %v", from, to, err)
			}
			if !expectOK {
				if err == nil {
					t.Errorf("%s → %s: expected error", from, to)
					continue
				}
				var te *StatusTransitionError
				if !errors.As(err, &te) {
					t.Errorf("%s → %s: expected StatusTransitionError, got %T", from, to, err)
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s → %s: expected ErrInvalidTransition", from, to)
				}
			}
		}
	}
}

func TestValidateTransition_CompletedIsFinal(t *testing.T) {
	for _, to := range []Status{StatusPending, StatusRunning, StatusFailed, StatusWaitingForUser} {
		if err := ValidateTransition(StatusCompleted, to); err == nil {
			t.Errorf("completed → %s should be rejected", to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("waiting_for_user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StatusWaitingForUser {
		t.Errorf("expected waiting_for_user, got %s", s)
	}

	if _, err := ParseStatus("done"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestStatus_Predicates(t *testing.T) {
	if !StatusCompleted.IsTerminal() {
		t.Error("completed should be terminal")
	}
	if StatusFailed.IsTerminal() {
		t.Error("failed should not be terminal")
	}
	if !StatusWaitingForUser.IsActive() || !StatusRunning.IsActive() {
		t.Error("running and waiting_for_user should be active")
	}
	if StatusPending.IsActive() {
		t.Error("pending should not be active")
	}
}
