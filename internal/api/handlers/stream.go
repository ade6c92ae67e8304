package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reelworks/orchestrator/internal/api/middleware"
	"github.com/reelworks/orchestrator/internal/api/problem"
	"github.com/reelworks/orchestrator/internal/domain/ids"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandler upgrades subscribers to a websocket and streams one job's
// events in sequence order. A `since` query parameter replays buffered
// events first; when the requested position has fallen off the replay
// buffer the upgrade is refused with 409 and the client must re-fetch job
// state before resubscribing.
type StreamHandler struct {
	Service *jobs.Service
	Bus     *events.Bus
	Env     string

	upgrader websocket.Upgrader
}

func NewStreamHandler(service *jobs.Service, bus *events.Bus, env string) *StreamHandler {
	return &StreamHandler{
		Service: service,
		Bus:     bus,
		Env:     env,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *StreamHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if err := ids.ValidateULID(jobID); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", err, h.Env,
			problem.WithErrors(map[string]interface{}{"id": "invalid ULID"}))
		return
	}
	jobID = ids.Normalize(jobID)

	// Tenant scoping: subscribing to a foreign job reads as not found.
	if _, err := h.Service.GetJob(r.Context(), middleware.TenantID(r.Context()), jobID); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Not found", err, h.Env)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Server error", err, h.Env)
		return
	}

	var (
		sub *events.Subscription
		err error
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request", parseErr, h.Env,
				problem.WithErrors(map[string]interface{}{"since": "must be a non-negative integer"}))
			return
		}
		sub, err = h.Bus.SubscribeFrom(jobID, since)
		if errors.Is(err, events.ErrReplayGap) {
			problem.Write(w, r, http.StatusConflict, problem.TypeReplayGap, "Replay gap", err, h.Env,
				problem.WithDetail("requested sequence predates the replay buffer; re-fetch job state and resubscribe"))
			return
		}
		if err != nil {
			problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Server error", err, h.Env)
			return
		}
	} else {
		sub = h.Bus.SubscribeLive(jobID)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		sub.Close()
		return
	}

	logger := zerolog.Ctx(r.Context()).With().Str("job_id", jobID).Logger()
	go h.readPump(conn, sub, logger)
	h.writePump(conn, sub, logger)
}

// readPump drains client frames so pongs and close frames are processed.
func (h *StreamHandler) readPump(conn *websocket.Conn, sub *events.Subscription, logger zerolog.Logger) {
	defer sub.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read closed")
			}
			return
		}
	}
}

// writePump forwards envelopes until the subscription or the connection
// ends. When the bus drops the subscriber for lagging, the close frame
// tells the client to reconnect with its last-seen sequence.
func (h *StreamHandler) writePump(conn *websocket.Conn, sub *events.Subscription, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				reason := "stream closed"
				if sub.Lagged() {
					reason = "subscriber lagged; reconnect with since=<last sequence>"
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
