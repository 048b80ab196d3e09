// Package wire defines the HTTP and WebSocket message formats shared by the
// fieldsync server and its client.
//
// Request and response bodies are JSON. Changefeed frames are binary CBOR
// messages, one Frame per WebSocket message.
package wire

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// PermissionPendingHeader marks a 403 response whose permission check has not
// completed yet.
const PermissionPendingHeader = "X-Fieldsync-Permission-Pending"

// Routes.
const (
	ObservationsPath = "/v1/features/{featureID}/observations"
	ChangesPath      = "/v1/features/{featureID}/changes"
	MutationsPath    = "/v1/mutations"
)

// LoadItem is one document of a load response. Exactly one of Observation
// and Error is set.
type LoadItem struct {
	Key         string              `json:"key" cbor:"key"`
	Observation *schema.Observation `json:"observation,omitempty" cbor:"observation,omitempty"`
	Error       string              `json:"error,omitempty" cbor:"error,omitempty"`

	// Code is the remote error code name. Empty for malformed documents.
	Code string `json:"code,omitempty" cbor:"code,omitempty"`
}

// ApplyRequest is the body of POST /v1/mutations.
type ApplyRequest struct {
	User      schema.User        `json:"user"`
	Mutations []*schema.Mutation `json:"mutations"`
}

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Frame is one changefeed message.
type Frame struct {
	Key   string              `cbor:"key"`
	Event *remote.ChangeEvent `cbor:"event,omitempty"`
	Error string              `cbor:"error,omitempty"`
	Code  string              `cbor:"code,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid cbor encode options: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid cbor decode options: %v", err))
	}
}

// EncodeFrame marshals f to CBOR.
func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// DecodeFrame unmarshals a CBOR frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

// ItemError converts a per-document error into its wire code and message.
func ItemError(err error) (code, msg string) {
	if errors.Is(err, remote.ErrMalformed) {
		return "", err.Error()
	}
	return remote.CodeOf(err).String(), err.Error()
}

// ParseItemError rebuilds a per-document error sent by ItemError.
func ParseItemError(op, code, msg string) error {
	if code == "" {
		return fmt.Errorf("%w: %s", remote.ErrMalformed, msg)
	}
	c, err := remote.ParseCode(code)
	if err != nil {
		c = remote.CodeUnknown
	}
	return remote.NewError(op, c, errors.New(msg))
}

// FrameFor converts a changefeed result to a Frame.
func FrameFor(res schema.Result[remote.ChangeEvent]) Frame {
	if res.Err != nil {
		code, msg := ItemError(res.Err)
		return Frame{Key: res.Key, Error: msg, Code: code}
	}
	ev := res.Value
	return Frame{Key: res.Key, Event: &ev}
}

// Result converts f back to a changefeed result.
func (f Frame) Result() schema.Result[remote.ChangeEvent] {
	if f.Error != "" || f.Event == nil {
		return schema.Failed[remote.ChangeEvent](f.Key, ParseItemError("stream", f.Code, f.Error))
	}
	return schema.Ok(f.Key, *f.Event)
}

// StatusFor maps a remote error code to an HTTP status.
func StatusFor(code remote.Code) int {
	switch code {
	case remote.CodeNotFound:
		return http.StatusNotFound
	case remote.CodePermissionDenied, remote.CodePermissionPending:
		return http.StatusForbidden
	case remote.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case remote.CodeUnavailable:
		return http.StatusServiceUnavailable
	case remote.CodeInvalidArgument:
		return http.StatusBadRequest
	case remote.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus maps an HTTP error response back to a remote error code.
func CodeForStatus(status int, header http.Header) remote.Code {
	switch {
	case status == http.StatusForbidden && header.Get(PermissionPendingHeader) != "":
		return remote.CodePermissionPending
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return remote.CodePermissionDenied
	case status == http.StatusNotFound:
		return remote.CodeNotFound
	case status == http.StatusTooManyRequests:
		return remote.CodeQuotaExceeded
	case status == http.StatusConflict:
		return remote.CodeConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return remote.CodeInvalidArgument
	case status == http.StatusRequestTimeout, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return remote.CodeUnavailable
	default:
		return remote.CodeUnknown
	}
}
