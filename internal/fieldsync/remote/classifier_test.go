package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

func TestTableClassifier(t *testing.T) {
	c := NewTableClassifier(CodePermissionPending, CodeQuotaExceeded)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permission pending", NewError("load", CodePermissionPending, nil), true},
		{"wrapped quota", fmt.Errorf("sync: %w", NewError("apply", CodeQuotaExceeded, errors.New("429"))), true},
		{"permission denied", NewError("load", CodePermissionDenied, nil), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Intercept(tt.err); got != tt.want {
				t.Errorf("Intercept(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseTableClassifier(t *testing.T) {
	c, err := ParseTableClassifier([]string{"permission_pending", " Quota_Exceeded "})
	if err != nil {
		t.Fatalf("ParseTableClassifier() failed: %v", err)
	}
	if !c[CodePermissionPending] || !c[CodeQuotaExceeded] || len(c) != 2 {
		t.Errorf("classifier = %v", c)
	}

	if _, err := ParseTableClassifier([]string{"flaky"}); err == nil {
		t.Error("ParseTableClassifier(unknown) error = nil, want error")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(context.DeadlineExceeded); got != CodeUnavailable {
		t.Errorf("CodeOf(deadline) = %v, want unavailable", got)
	}
	if got := CodeOf(NewError("x", CodeConflict, nil)); got != CodeConflict {
		t.Errorf("CodeOf(conflict) = %v", got)
	}
	if !IsTransient(fmt.Errorf("%w: load", ErrPending)) {
		t.Error("IsTransient(ErrPending) = false")
	}
	if IsTransient(NewError("apply", CodePermissionDenied, nil)) {
		t.Error("IsTransient(permission denied) = true")
	}
	if CodeQuotaExceeded.String() != "quota_exceeded" {
		t.Errorf("String() = %q", CodeQuotaExceeded.String())
	}
}

func TestIntercept(t *testing.T) {
	nop := zerolog.Nop()
	mem := NewMemory(&nop)
	store := Intercept(mem, NewTableClassifier(CodePermissionPending), &nop)
	feature := &schema.Feature{ID: "feature-1"}
	ctx := context.Background()

	mem.FailNext(OpLoad, NewError("load", CodePermissionPending, errors.New("awaiting grant")))
	_, err := store.LoadObservations(ctx, feature)
	if !errors.Is(err, ErrPending) {
		t.Errorf("LoadObservations() error = %v, want ErrPending", err)
	}

	denied := NewError("load", CodePermissionDenied, nil)
	mem.FailNext(OpLoad, denied)
	_, err = store.LoadObservations(ctx, feature)
	if !errors.Is(err, denied) || errors.Is(err, ErrPending) {
		t.Errorf("LoadObservations() error = %v, want unchanged permission denied", err)
	}

	mem.FailNext(OpApply, NewError("apply", CodePermissionPending, nil))
	if _, err := store.ApplyMutations(ctx, nil, schema.User{ID: "u"}); !errors.Is(err, ErrPending) {
		t.Errorf("ApplyMutations() error = %v, want ErrPending", err)
	}

	if _, err := store.LoadObservations(ctx, feature); err != nil {
		t.Errorf("LoadObservations() after failures error = %v", err)
	}
}
