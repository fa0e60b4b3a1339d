package service

import (
	"errors"
	"testing"

	"github.com/attachlink/attachlink/internal/repository"
)

func TestWithUniqueNameFirstAttemptSucceeds(t *testing.T) {
	var tried []string
	name, err := WithUniqueName("Report", 1000, func(candidate string) error {
		tried = append(tried, candidate)
		return nil
	})
	if err != nil {
		t.Fatalf("WithUniqueName: %v", err)
	}
	if name != "Report" {
		t.Fatalf("expected base name, got %q", name)
	}
	if len(tried) != 1 {
		t.Fatalf("expected a single attempt, got %v", tried)
	}
}

func TestWithUniqueNameCountsThroughConflicts(t *testing.T) {
	taken := map[string]bool{
		"Report":     true,
		"Report (2)": true,
		"Report (3)": true,
	}

	var tried []string
	name, err := WithUniqueName("Report", 1000, func(candidate string) error {
		tried = append(tried, candidate)
		if taken[candidate] {
			return repository.ErrDuplicateName
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUniqueName: %v", err)
	}
	if name != "Report (4)" {
		t.Fatalf("expected next free suffix, got %q", name)
	}
	want := []string{"Report", "Report (2)", "Report (3)", "Report (4)"}
	if len(tried) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), tried)
	}
	for i := range want {
		if tried[i] != want[i] {
			t.Fatalf("attempt %d: got %q, want %q", i, tried[i], want[i])
		}
	}
}

func TestWithUniqueNameStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	attempts := 0
	_, err := WithUniqueName("Report", 1000, func(string) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the operation error, got: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-conflict errors must not retry, got %d attempts", attempts)
	}
}

func TestWithUniqueNameExhaustsBoundedAttempts(t *testing.T) {
	attempts := 0
	_, err := WithUniqueName("Report", 5, func(string) error {
		attempts++
		return repository.ErrDuplicateName
	})
	if !errors.Is(err, ErrNameAttemptsExhausted) {
		t.Fatalf("expected ErrNameAttemptsExhausted, got: %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", attempts)
	}
}
