package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/terra-clan/assessment-engine/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 5 * time.Second

// TimerMessage is pushed to the candidate's browser over the timer stream
type TimerMessage struct {
	Type             string                  `json:"type"` // tick, finalized, error
	SubmissionID     string                  `json:"submission_id,omitempty"`
	Status           models.SubmissionStatus `json:"status,omitempty"`
	ServerTime       time.Time               `json:"server_time"`
	ExpiresAt        time.Time               `json:"expires_at,omitempty"`
	RemainingSeconds int64                   `json:"remaining_seconds"`
	Error            string                  `json:"error,omitempty"`
}

func (s *Server) handleTimerWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Ownership is checked before the upgrade so errors stay plain HTTP
	if _, err := s.ownedSubmission(r.Context(), id); err != nil {
		respondServiceError(w, err, "open timer stream", "id", id)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Debug("timer websocket connected", "submission_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client never sends anything meaningful; reading detects disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("timer websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		done, err := s.pushTimer(ctx, conn, id)
		if err != nil || done {
			return
		}

		select {
		case <-ctx.Done():
			slog.Debug("timer websocket disconnected", "submission_id", id)
			return
		case <-ticker.C:
		}
	}
}

// pushTimer sends one tick, or the final message once the submission is terminal
func (s *Server) pushTimer(ctx context.Context, conn *websocket.Conn, id string) (bool, error) {
	status, err := s.manager.Status(ctx, id)
	if err != nil {
		slog.Error("failed to read timer status", "error", err, "submission_id", id)
		s.sendTimerMessage(conn, TimerMessage{Type: "error", ServerTime: time.Now().UTC(), Error: "timer unavailable"})
		return true, err
	}

	msg := TimerMessage{
		Type:             "tick",
		SubmissionID:     status.SubmissionID,
		Status:           status.Status,
		ServerTime:       status.ServerTime,
		ExpiresAt:        status.ExpiresAt,
		RemainingSeconds: status.RemainingSeconds,
	}

	if !status.Status.IsTerminal() {
		return false, s.sendTimerMessage(conn, msg)
	}

	msg.Type = "finalized"
	if err := s.sendTimerMessage(conn, msg); err != nil {
		return true, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Status)))
	return true, nil
}

func (s *Server) sendTimerMessage(conn *websocket.Conn, msg TimerMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("failed to send timer message", "error", err)
		return err
	}
	return nil
}
