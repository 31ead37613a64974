package handlers_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnworks/kiln/internal/model"
	"github.com/kilnworks/kiln/pkg/models"
)

func dialStream(t *testing.T, h *harness, ws string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-Workspace-ID", ws)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, within time.Duration) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	var evt models.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read stream frame: %v", err)
	}
	return evt
}

// attach narrows the stream and waits for the ack. The ack round trip
// also proves the connection is consuming bus frames, so runs submitted
// afterwards cannot slip past the subscription.
func attach(t *testing.T, conn *websocket.Conn, workflowID string) {
	t.Helper()
	err := conn.WriteJSON(map[string]string{"type": "subscribe", "workflow_id": workflowID})
	if err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	for {
		evt := readFrame(t, conn, 2*time.Second)
		if evt.Type != models.EventSubscribed {
			continue
		}
		if got, _ := evt.Data["workflow_id"].(string); got != workflowID {
			t.Fatalf("subscribed ack workflow_id = %q, want %q", got, workflowID)
		}
		return
	}
}

func TestStreamDeliversRunFrames(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h, workspace)
	attach(t, conn, "")

	a := h.createAgent(t, "broadcaster", model.EchoModel)
	run := h.submitRun(t, a.ID, "hello stream")

	sawRunning := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evt := readFrame(t, conn, time.Until(deadline))
		if evt.Type != models.EventExecutionUpdate || evt.Data["run_id"] != run.ID {
			continue
		}
		switch evt.Data["status"] {
		case string(models.RunStatusRunning):
			sawRunning = true
		case string(models.RunStatusCompleted):
			if !sawRunning {
				t.Error("terminal frame arrived without a running frame")
			}
			if evt.Data["output"] != "hello stream" {
				t.Errorf("terminal output = %v, want the echoed input", evt.Data["output"])
			}
			if evt.Data["owner_id"] != workspace {
				t.Errorf("owner_id = %v, want %q", evt.Data["owner_id"], workspace)
			}
			return
		}
	}
	t.Fatal("terminal frame never arrived")
}

func TestStreamSubscribeNarrowsToWorkflow(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(t, "noisy", model.EchoModel)
	wf := h.createWorkflow(t, "watched", []map[string]any{
		{"step_id": "s1", "agent_id": a.ID},
	})

	conn := dialStream(t, h, workspace)
	attach(t, conn, wf.ID)

	agentRun := h.submitRun(t, a.ID, "off topic")

	status, body := h.do(http.MethodPost, "/api/v1/workflows/"+wf.ID+"/run", map[string]any{"input": "on topic"})
	if status != http.StatusCreated {
		t.Fatalf("run workflow status = %d, body %s", status, body)
	}
	var wfRun models.Run
	decode(t, body, &wfRun)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evt := readFrame(t, conn, time.Until(deadline))
		if evt.Type != models.EventExecutionUpdate {
			continue
		}
		if evt.Data["run_id"] == agentRun.ID {
			t.Fatal("agent run frame leaked through the workflow filter")
		}
		if evt.Data["run_id"] == wfRun.ID && evt.Data["status"] == string(models.RunStatusCompleted) {
			return
		}
	}
	t.Fatal("workflow terminal frame never arrived")
}

func TestStreamScopedToWorkspace(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h, "globex")
	attach(t, conn, "")

	a := h.createAgent(t, "confidential", model.EchoModel)
	run := h.submitRun(t, a.ID, "need to know")
	h.waitRun(t, run.ID, models.RunStatusCompleted)

	// The run settled before this read window opened, so every frame it
	// produced has already been fanned out. None may surface here.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}
		if evt.Type == models.EventExecutionUpdate && evt.Data["run_id"] == run.ID {
			t.Fatal("frame crossed workspaces")
		}
	}
}
