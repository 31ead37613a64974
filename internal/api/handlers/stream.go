package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/api/middleware"
	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/pkg/models"
)

const (
	// writeWait bounds a single frame write to a slow client.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays connected; pings go out
	// early enough for a pong to arrive inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin; the API key middleware
	// is the access control, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is the one message shape clients may send. A subscribe
// command narrows execution updates to a single workflow.
type clientCommand struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Stream upgrades to a websocket and forwards bus events as
// {type, data, timestamp} frames scoped to the caller's workspace.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	log.Debug().Str("owner", owner).Str("remote", r.RemoteAddr).Msg("Stream client connected")

	events := h.Bus.Subscribe(bus.TopicEvents)
	defer h.Bus.Unsubscribe(bus.TopicEvents, events)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// All writes happen on this goroutine; the reader only forwards
	// parsed commands.
	commands := make(chan clientCommand, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			select {
			case commands <- cmd:
			default:
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var workflowFilter string
	for {
		select {
		case <-done:
			log.Debug().Str("owner", owner).Msg("Stream client disconnected")
			return
		case cmd := <-commands:
			if cmd.Type != "subscribe" {
				continue
			}
			workflowFilter = cmd.WorkflowID
			ack := models.Event{
				Type:      models.EventSubscribed,
				Data:      map[string]any{"workflow_id": cmd.WorkflowID},
				Timestamp: time.Now().UTC(),
			}
			if err := writeFrame(conn, ack); err != nil {
				return
			}
		case evt := <-events:
			if !visibleTo(evt, owner, workflowFilter) {
				continue
			}
			if err := writeFrame(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, evt models.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}

// visibleTo applies workspace scoping and the optional workflow filter.
// Health frames are runtime-level and always pass; execution updates
// stay within their owning workspace.
func visibleTo(evt models.Event, owner, workflowFilter string) bool {
	if evt.Type != models.EventExecutionUpdate {
		return true
	}
	if evtOwner, ok := evt.Data["owner_id"].(string); ok && evtOwner != "" && evtOwner != owner {
		return false
	}
	if workflowFilter != "" {
		wf, _ := evt.Data["workflow_id"].(string)
		if wf != workflowFilter {
			return false
		}
	}
	return true
}
