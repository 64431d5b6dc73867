// internal/api/stream.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// keepAliveInterval spaces SSE comment lines while a run is quiet.
var keepAliveInterval = 15 * time.Second

// handleLogsSSE streams a session's progress as `data: <text>` events until
// the session is torn down.
func (s *Server) handleLogsSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sub, err := s.coord.Subscribe(sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	ctx, cancel := s.streamContext(r)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.With(zap.String("session_id", sessionID))
	log.Info("Progress stream connected.", zap.String("transport", "sse"))

	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, keepAliveInterval)
		msg, err := sub.Next(waitCtx)
		waitCancel()

		switch {
		case err == nil:
			if _, err := io.WriteString(w, sseEvent(msg.Text)); err != nil {
				log.Debug("Progress stream write failed.", zap.Error(err))
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case errors.Is(err, io.EOF):
			log.Info("Progress stream finished, session ended.")
			return
		default:
			log.Debug("Progress stream closed.", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// sseEvent frames text as one event; embedded newlines become extra data lines.
func sseEvent(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

// handleLogsWS streams the same progress as JSON {seq, time, text} frames.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sub, err := s.coord.Subscribe(sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn("Failed to accept WebSocket", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	streamCtx, cancel := s.streamContext(r)
	defer cancel()
	// Client frames are not expected; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(streamCtx)

	log := s.logger.With(zap.String("session_id", sessionID))
	log.Info("Progress stream connected.", zap.String("transport", "websocket"))

	for {
		msg, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
		if err != nil {
			if streamCtx.Err() != nil && r.Context().Err() == nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			log.Debug("Progress stream closed.", zap.Error(err))
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Error("Failed to encode progress message.", zap.Error(err))
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			log.Debug("WebSocket write failed.", zap.Error(err))
			return
		}
	}
}

// originPatterns converts configured origins (full URLs or hosts) to the host
// patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
