package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akshatgg/turngate/internal/dispatch"
	"github.com/akshatgg/turngate/internal/event"
	"github.com/akshatgg/turngate/internal/queue"
	"github.com/akshatgg/turngate/internal/relay"
	"github.com/akshatgg/turngate/internal/store"
)

const maxRequestBodyBytes int64 = 1 << 20

type server struct {
	logger     *log.Logger
	dispatcher *dispatch.Dispatcher
	streamer   *relay.Streamer
	store      store.Store
}

func NewServer(logger *log.Logger, addr string, dispatcher *dispatch.Dispatcher, streamer *relay.Streamer, st store.Store) *http.Server {
	h := &server{
		logger:     logger,
		dispatcher: dispatcher,
		streamer:   streamer,
		store:      st,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/turns", h.handleDispatch)
	mux.HandleFunc("/v1/turns/{turn_id}", h.handleGetTurn)
	mux.HandleFunc("/v1/turns/{turn_id}/stream", h.handleStream)
	mux.HandleFunc("/v1/turns/{turn_id}/ws", h.handleStreamWS)
	mux.HandleFunc("/v1/turns/{turn_id}/feedback", h.handleFeedback)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type dispatchRequestBody struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID, userID, ok := ownerFields(w, r)
	if !ok {
		return
	}

	var body dispatchRequestBody
	if !decodeJSONBody(w, r, &body) {
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		WorkspaceID: workspaceID,
		UserID:      userID,
		SessionID:   strings.TrimSpace(body.SessionID),
		Message:     body.Message,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrEmptyMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, dispatch.ErrQuotaExceeded):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		default:
			s.logger.Printf("dispatch failed workspace_id=%s err=%v", workspaceID, err)
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
		}
		return
	}

	response := map[string]any{
		"turn_id":    result.Turn.TurnID,
		"session_id": result.Session.SessionID,
		"job_id":     result.Job.JobID,
	}
	if result.EnqueueErr != nil {
		// The turn and job are committed; only the queue handoff failed.
		response["enqueue_error"] = result.EnqueueErr.Error()
		status := http.StatusServiceUnavailable
		if errors.Is(result.EnqueueErr, queue.ErrQueueFull) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, response)
		return
	}
	writeJSON(w, http.StatusAccepted, response)
}

func (s *server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID, userID, ok := ownerFields(w, r)
	if !ok {
		return
	}

	turn, err := s.store.GetTurn(r.Context(), workspaceID, userID, r.PathValue("turn_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "turn not found", http.StatusNotFound)
			return
		}
		http.Error(w, "get turn failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID, userID, ok := ownerFields(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	headerSent := false
	sink := func(ev event.Event) error {
		if !headerSent {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			headerSent = true
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.streamer.Stream(r.Context(), workspaceID, userID, r.PathValue("turn_id"), sink)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "turn not found", http.StatusNotFound)
			return
		}
		http.Error(w, "stream failed", http.StatusInternalServerError)
	}
}

func (s *server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID, userID, ok := ownerFields(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("stream ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sink := func(ev event.Event) error {
		return conn.WriteJSON(ev)
	}
	err = s.streamer.Stream(r.Context(), workspaceID, userID, r.PathValue("turn_id"), sink)
	if err != nil {
		// The upgrade already happened; surface lookup failures in-band.
		message := "stream failed"
		if errors.Is(err, store.ErrNotFound) {
			message = "turn not found"
		}
		_ = conn.WriteJSON(event.Error(message))
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type feedbackRequestBody struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID, userID, ok := ownerFields(w, r)
	if !ok {
		return
	}

	var body feedbackRequestBody
	if !decodeJSONBody(w, r, &body) {
		return
	}

	err := s.store.SetFeedback(r.Context(), workspaceID, userID, r.PathValue("turn_id"), body.Score, body.Comment)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "turn not found", http.StatusNotFound)
			return
		}
		http.Error(w, "set feedback failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ownerFields reads the workspace/user scoping headers. Authentication is
// handled upstream; these headers are trusted here.
func ownerFields(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	workspaceID := strings.TrimSpace(r.Header.Get("X-Workspace-ID"))
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if workspaceID == "" || userID == "" {
		http.Error(w, "X-Workspace-ID and X-User-ID headers are required", http.StatusBadRequest)
		return "", "", false
	}
	return workspaceID, userID, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
