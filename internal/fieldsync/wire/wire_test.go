package wire

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

func TestFrame_KeepsTimestampPrecision(t *testing.T) {
	ts := time.Date(2026, 3, 2, 8, 0, 0, 123456789, time.UTC)
	obs := &schema.Observation{
		ID:           "obs-1",
		FeatureID:    "feature-1",
		Responses:    schema.Responses{"species": schema.TextResponse("oak")},
		LastModified: schema.AuditInfo{ServerTimestamp: &ts},
	}
	data, err := EncodeFrame(FrameFor(schema.Ok("obs-1", remote.ChangeEvent{
		Type:          remote.EventAdded,
		FeatureID:     "feature-1",
		ObservationID: "obs-1",
		Observation:   obs,
	})))
	if err != nil {
		t.Fatalf("EncodeFrame() failed: %v", err)
	}

	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() failed: %v", err)
	}
	ev, err := f.Result().Get()
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	got := ev.Observation.LastModified.ServerTimestamp
	if got == nil || !got.Equal(ts) {
		t.Errorf("server timestamp = %v, want %v", got, ts)
	}
	if ev.Observation.Responses["species"].Text != "oak" {
		t.Errorf("species = %q, want oak", ev.Observation.Responses["species"].Text)
	}
}

func TestFrame_Errors(t *testing.T) {
	malformed := FrameFor(schema.Failed[remote.ChangeEvent]("obs-1", errors.Join(remote.ErrMalformed, errors.New("bad json"))))
	if err := malformed.Result().Err; !errors.Is(err, remote.ErrMalformed) {
		t.Errorf("malformed frame error = %v, want ErrMalformed", err)
	}

	quota := FrameFor(schema.Failed[remote.ChangeEvent]("", remote.NewError("stream", remote.CodeQuotaExceeded, nil)))
	if got := remote.CodeOf(quota.Result().Err); got != remote.CodeQuotaExceeded {
		t.Errorf("CodeOf() = %s, want quota_exceeded", got)
	}
}

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   remote.Code
	}{
		{http.StatusNotFound, remote.CodeNotFound},
		{http.StatusUnauthorized, remote.CodePermissionDenied},
		{http.StatusTooManyRequests, remote.CodeQuotaExceeded},
		{http.StatusBadGateway, remote.CodeUnavailable},
		{http.StatusInternalServerError, remote.CodeUnknown},
		{http.StatusTeapot, remote.CodeUnknown},
	}
	for _, tt := range tests {
		if got := CodeForStatus(tt.status, http.Header{}); got != tt.want {
			t.Errorf("CodeForStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}

	h := http.Header{}
	h.Set(PermissionPendingHeader, "1")
	if got := CodeForStatus(http.StatusForbidden, h); got != remote.CodePermissionPending {
		t.Errorf("CodeForStatus(403, pending) = %s, want permission_pending", got)
	}
}
