package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/fieldsync/wire"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes err with the status of its remote code.
func respondError(w http.ResponseWriter, err error) {
	code := remote.CodeOf(err)
	if code == remote.CodePermissionPending {
		w.Header().Set(wire.PermissionPendingHeader, "1")
	}
	respondJSON(w, wire.StatusFor(code), wire.ErrorBody{Error: err.Error(), Code: code.String()})
}

func featureFrom(r *http.Request) *schema.Feature {
	return &schema.Feature{
		ID:       mux.Vars(r)["featureID"],
		SurveyID: r.URL.Query().Get("survey_id"),
	}
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	feature := featureFrom(r)
	results, err := s.store.LoadObservations(r.Context(), feature)
	if err != nil {
		s.logger.Warn().Err(err).Str("feature", feature.ID).Msg("load failed")
		respondError(w, err)
		return
	}

	items := make([]wire.LoadItem, 0, len(results))
	for _, res := range results {
		item := wire.LoadItem{Key: res.Key}
		if res.Err != nil {
			item.Code, item.Error = wire.ItemError(res.Err)
		} else {
			item.Observation = res.Value
		}
		items = append(items, item)
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req wire.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, remote.NewError("apply", remote.CodeInvalidArgument, err))
		return
	}

	report, err := s.store.ApplyMutations(r.Context(), req.Mutations, req.User)
	if err != nil {
		s.logger.Warn().Err(err).Int("mutations", len(req.Mutations)).Msg("apply failed")
		respondError(w, err)
		return
	}
	s.logger.Debug().
		Str("user", req.User.ID).
		Int("applied", len(report.Applied)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("batch applied")
	respondJSON(w, http.StatusOK, report)
}

// handleChanges streams one CBOR frame per change event until the client
// disconnects, the store ends the stream, or the server stops.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	feature := featureFrom(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.addConn(conn)
	defer s.removeConn(conn)

	// CloseRead drains client messages and cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.store.LoadObservationsAndStreamChanges(ctx, feature)
	if err != nil {
		s.logger.Warn().Err(err).Str("feature", feature.ID).Msg("stream failed to start")
		code, msg := wire.ItemError(err)
		_ = s.writeFrame(ctx, conn, wire.Frame{Error: msg, Code: code})
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}

	s.logger.Debug().Str("feature", feature.ID).Msg("stream opened")
	for res := range events {
		if err := s.writeFrame(ctx, conn, wire.FrameFor(res)); err != nil {
			s.logger.Debug().Err(err).Str("feature", feature.ID).Msg("stream closed by client")
			return
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"streams": s.StreamCount(),
	})
}
