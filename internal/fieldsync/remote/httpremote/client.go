// Package httpremote implements remote.Store as a client of the fieldsync
// server. Loads and batches are JSON over HTTP; the changefeed is a WebSocket
// carrying CBOR frames.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/fieldsync/wire"
	"github.com/openfield/fieldsync/internal/logging"
)

var _ remote.Store = (*Client)(nil)

// maxFrameSize bounds one changefeed frame.
const maxFrameSize = 4 << 20

// Options configures a Client.
type Options struct {
	// HTTPClient sends requests. Default: a client with a 30s timeout
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// Client talks to a fieldsync server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   u,
		http:   opts.HTTPClient,
		logger: logging.Component(opts.Logger, "remote.http"),
	}, nil
}

func (c *Client) featureURL(feature *schema.Feature, suffix string) string {
	u := *c.base
	u.Path += "/v1/features/" + url.PathEscape(feature.ID) + "/" + suffix
	if feature.SurveyID != "" {
		u.RawQuery = url.Values{"survey_id": {feature.SurveyID}}.Encode()
	}
	return u.String()
}

// LoadObservations implements remote.Store.
func (c *Client) LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.featureURL(feature, "observations"), nil)
	if err != nil {
		return nil, remote.NewError("load", remote.CodeInvalidArgument, err)
	}

	var items []wire.LoadItem
	if err := c.do(req, "load", &items); err != nil {
		return nil, err
	}

	results := make([]schema.Result[*schema.Observation], 0, len(items))
	for _, item := range items {
		if item.Error != "" || item.Observation == nil {
			results = append(results, schema.Failed[*schema.Observation](item.Key, wire.ParseItemError("load", item.Code, item.Error)))
			continue
		}
		results = append(results, schema.Ok(item.Key, item.Observation))
	}
	return results, nil
}

// ApplyMutations implements remote.Store.
func (c *Client) ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (remote.BatchReport, error) {
	body, err := json.Marshal(wire.ApplyRequest{User: user, Mutations: mutations})
	if err != nil {
		return remote.BatchReport{}, remote.NewError("apply", remote.CodeInvalidArgument, err)
	}

	u := *c.base
	u.Path += wire.MutationsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return remote.BatchReport{}, remote.NewError("apply", remote.CodeInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var report remote.BatchReport
	if err := c.do(req, "apply", &report); err != nil {
		return remote.BatchReport{}, err
	}
	return report, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return responseError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.NewError(op, remote.CodeUnavailable, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// LoadObservationsAndStreamChanges implements remote.Store.
func (c *Client) LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[remote.ChangeEvent], error) {
	// The stream outlives any client timeout; ctx bounds the handshake.
	hc := *c.http
	hc.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, c.featureURL(feature, "changes"), &websocket.DialOptions{
		HTTPClient: &hc,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, responseError("stream", resp)
		}
		return nil, transportError("stream", err)
	}
	conn.SetReadLimit(maxFrameSize)

	out := make(chan schema.Result[remote.ChangeEvent])
	go func() {
		defer close(out)
		defer conn.CloseNow()

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				c.logger.Warn().Err(err).Str("feature", feature.ID).Msg("changefeed read failed")
				send(ctx, out, schema.Failed[remote.ChangeEvent]("", transportError("stream", err)))
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}

			frame, err := wire.DecodeFrame(data)
			if err != nil {
				if !send(ctx, out, schema.Failed[remote.ChangeEvent]("", fmt.Errorf("%w: %v", remote.ErrMalformed, err))) {
					return
				}
				continue
			}
			if !send(ctx, out, frame.Result()) {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- schema.Result[remote.ChangeEvent], ev schema.Result[remote.ChangeEvent]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// responseError builds a remote.Error from a non-2xx response.
func responseError(op string, resp *http.Response) error {
	code := wire.CodeForStatus(resp.StatusCode, resp.Header)

	msg := resp.Status
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var body wire.ErrorBody
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
	}
	return remote.NewError(op, code, errors.New(msg))
}

// transportError classifies failures to reach the server as unavailable.
func transportError(op string, err error) error {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr), errors.As(err, &urlErr), errors.Is(err, io.EOF):
		return remote.NewError(op, remote.CodeUnavailable, err)
	}
	if websocket.CloseStatus(err) != -1 {
		return remote.NewError(op, remote.CodeUnavailable, err)
	}
	return remote.NewError(op, remote.CodeUnknown, err)
}
