// Package api exposes the buffering engine over HTTP: toggling buffering,
// listing and clearing finalized segments, downloading a segment's WAV
// file, reading the durable segment history, and a live WebSocket stream of
// segment events.
//
// Routes:
//
//	GET    /api/v1/buffering            enabled flag and the open segment
//	PUT    /api/v1/buffering            {"enabled": bool}
//	GET    /api/v1/segments             finalized segments, oldest first
//	DELETE /api/v1/segments             clear all buffered audio
//	GET    /api/v1/segments/{id}/audio  the segment's WAV file
//	GET    /api/v1/history?limit=N      catalog events, newest first
//	GET    /api/v1/events               WebSocket stream of catalog events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/mictrail/internal/buffering"
	"github.com/MrWong99/mictrail/internal/catalog"
	"github.com/MrWong99/mictrail/internal/observe"
)

// maxBodyBytes bounds request bodies; the only body is a tiny JSON object.
const maxBodyBytes = 1 << 10

// Buffering is the subset of [buffering.Controller] the API drives.
type Buffering interface {
	SetBufferingEnabled(enabled bool)
	Enabled() bool
	OpenSegment() (buffering.OpenSegment, bool)
	Segments() []buffering.SegmentInfo
	BufferedDurationMs() int64
	OpenAudio(id string) (io.ReadSeekCloser, buffering.SegmentInfo, error)
	Clear()
}

var _ Buffering = (*buffering.Controller)(nil)

// Server holds the HTTP handlers. Create it with [New] and mount
// [Server.Register] on a mux.
type Server struct {
	buf     Buffering
	hub     *Hub
	history catalog.Recorder
}

// Option configures a [Server].
type Option func(*Server)

// WithHub enables the /api/v1/events WebSocket stream.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithHistory enables /api/v1/history.
func WithHistory(r catalog.Recorder) Option {
	return func(s *Server) { s.history = r }
}

// New returns a Server for buf.
func New(buf Buffering, opts ...Option) *Server {
	s := &Server{buf: buf}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds all API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/buffering", s.getBuffering)
	mux.HandleFunc("PUT /api/v1/buffering", s.putBuffering)
	mux.HandleFunc("GET /api/v1/segments", s.listSegments)
	mux.HandleFunc("DELETE /api/v1/segments", s.clearSegments)
	mux.HandleFunc("GET /api/v1/segments/{id}/audio", s.segmentAudio)
	mux.HandleFunc("GET /api/v1/history", s.listHistory)
	mux.HandleFunc("GET /api/v1/events", s.events)
}

type bufferingStatus struct {
	Enabled            bool                   `json:"enabled"`
	OpenSegment        *buffering.OpenSegment `json:"openSegment"`
	BufferedDurationMs int64                  `json:"bufferedDurationMs"`
}

type segmentList struct {
	Segments           []buffering.SegmentInfo `json:"segments"`
	BufferedDurationMs int64                   `json:"bufferedDurationMs"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) status() bufferingStatus {
	st := bufferingStatus{
		Enabled:            s.buf.Enabled(),
		BufferedDurationMs: s.buf.BufferedDurationMs(),
	}
	if open, ok := s.buf.OpenSegment(); ok {
		st.OpenSegment = &open
	}
	return st
}

func (s *Server) getBuffering(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) putBuffering(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `missing field "enabled"`)
		return
	}

	s.buf.SetBufferingEnabled(*req.Enabled)
	observe.Logger(r.Context()).Info("api: buffering toggled", "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) listSegments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, segmentList{
		Segments:           s.buf.Segments(),
		BufferedDurationMs: s.buf.BufferedDurationMs(),
	})
}

func (s *Server) clearSegments(w http.ResponseWriter, r *http.Request) {
	s.buf.Clear()
	observe.Logger(r.Context()).Info("api: buffered segments cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) segmentAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, info, err := s.buf.OpenAudio(id)
	if errors.Is(err, buffering.ErrNoSegment) {
		writeError(w, http.StatusNotFound, "segment not found")
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Warn("api: open segment failed", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "segment unavailable")
		return
	}
	defer rc.Close()

	end := time.UnixMilli(info.StartTimestamp + info.DurationMs)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.ID+`.wav"`)
	http.ServeContent(w, r, info.ID+".wav", end, rc)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "segment history is not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1, 1000]")
			return
		}
		limit = n
	}
	events, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: history query failed", "err", err)
		writeError(w, http.StatusBadGateway, "history unavailable")
		return
	}
	if events == nil {
		events = []catalog.Event{}
	}
	writeJSON(w, http.StatusOK, struct {
		Events []catalog.Event `json:"events"`
	}{events})
}

// events upgrades to a WebSocket and streams catalog events as JSON text
// messages until the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "event stream is not configured")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// The stream is one-way; CloseRead handles pings and reports when the
	// client disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("api: websocket write failed", "err", err)
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev catalog.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
