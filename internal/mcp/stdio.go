package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

// maxStdioLineBytes bounds a single JSON-RPC frame on the pipe.
const maxStdioLineBytes = 4 << 20

func newRequestID() string { return uuid.New().String() }

// stdioProcess tracks a spawned MCP server child and its in-flight
// JSON-RPC requests. Frames are newline-delimited JSON on stdin/stdout.
type stdioProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	exited chan struct{}

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *models.MCPResponse
}

// StdioManager spawns MCP servers as child processes, lazily on first
// use, and keeps them alive across runs until Close.
type StdioManager struct {
	version string

	mu    sync.Mutex
	procs map[string]*stdioProcess // key: owner/server id
}

// NewStdioManager creates an empty manager.
func NewStdioManager(version string) *StdioManager {
	return &StdioManager{
		version: version,
		procs:   make(map[string]*stdioProcess),
	}
}

// Catalogue runs the tools/list exchange against the server's child.
func (m *StdioManager) Catalogue(ctx context.Context, server *models.MCPServer) ([]models.MCPToolInfo, error) {
	proc, err := m.ensure(ctx, server)
	if err != nil {
		return nil, err
	}

	result, err := proc.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s: %w", server.Name, err)
	}
	return parseCatalogue(result)
}

// Call runs a tools/call exchange against the server's child.
func (m *StdioManager) Call(ctx context.Context, server *models.MCPServer, tool string, args map[string]any) (*models.MCPToolResult, error) {
	proc, err := m.ensure(ctx, server)
	if err != nil {
		return nil, err
	}

	raw, err := proc.call(ctx, "tools/call", models.MCPToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}

	var result models.MCPToolResult
	if err := json.Unmarshal(raw, &result); err == nil && result.Content != nil {
		return &result, nil
	}
	return textResult(string(raw)), nil
}

// Close stops every child process. Safe to call more than once.
func (m *StdioManager) Close() {
	m.mu.Lock()
	procs := m.procs
	m.procs = make(map[string]*stdioProcess)
	m.mu.Unlock()

	for key, proc := range procs {
		log.Info().Str("server", key).Msg("Stopping MCP stdio server")
		proc.stop()
	}
}

func processKey(owner, id string) string {
	return owner + "/" + id
}

// ensure returns the running child for a server, spawning it if needed.
func (m *StdioManager) ensure(ctx context.Context, server *models.MCPServer) (*stdioProcess, error) {
	key := processKey(server.OwnerID, server.ID)

	m.mu.Lock()
	if proc, ok := m.procs[key]; ok {
		m.mu.Unlock()
		return proc, nil
	}
	m.mu.Unlock()

	if server.Command == "" {
		return nil, fmt.Errorf("mcp server %s has no command configured", server.Name)
	}

	// The child outlives the spawning request's context; it is stopped
	// through the manager instead.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, server.Command, server.Args...)

	cmdEnv := os.Environ()
	for k, v := range server.Env {
		cmdEnv = append(cmdEnv, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = cmdEnv

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr // server logs go to runtime stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start mcp server %s: %w", server.Name, err)
	}

	proc := &stdioProcess{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		exited:  make(chan struct{}),
		pending: make(map[string]chan *models.MCPResponse),
	}
	go proc.pump(stdout)

	m.mu.Lock()
	if existing, ok := m.procs[key]; ok {
		// Lost a spawn race; keep the first child.
		m.mu.Unlock()
		proc.stop()
		return existing, nil
	}
	m.procs[key] = proc
	m.mu.Unlock()

	log.Info().
		Str("server", server.Name).
		Str("command", server.Command).
		Int("pid", cmd.Process.Pid).
		Msg("MCP stdio server started")

	// Reap on exit so a crashed server respawns on the next call.
	go func() {
		_ = cmd.Wait()
		close(proc.exited)
		m.mu.Lock()
		if m.procs[key] == proc {
			delete(m.procs, key)
		}
		m.mu.Unlock()
		proc.failPending()
		log.Info().Str("server", server.Name).Int("pid", proc.cmd.Process.Pid).Msg("MCP stdio server exited")
	}()

	if err := m.handshake(ctx, proc); err != nil {
		m.mu.Lock()
		if m.procs[key] == proc {
			delete(m.procs, key)
		}
		m.mu.Unlock()
		proc.stop()
		return nil, fmt.Errorf("initialize mcp server %s: %w", server.Name, err)
	}

	return proc, nil
}

// handshake performs the MCP initialize exchange and confirms it.
func (m *StdioManager) handshake(ctx context.Context, proc *stdioProcess) error {
	ctx, cancelTimeout := context.WithTimeout(ctx, 15*time.Second)
	defer cancelTimeout()

	_, err := proc.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "kiln",
			"version": m.version,
		},
	})
	if err != nil {
		return err
	}
	return proc.notify("notifications/initialized")
}

// ── Child process plumbing ───────────────────────────────────

// call sends one request frame and waits for the matching response.
func (p *stdioProcess) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	id := newRequestID()
	body, err := json.Marshal(models.MCPRequest{Jsonrpc: "2.0", Method: method, Params: raw, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *models.MCPResponse, 1)
	p.pendMu.Lock()
	p.pending[id] = ch
	p.pendMu.Unlock()
	defer func() {
		p.pendMu.Lock()
		delete(p.pending, id)
		p.pendMu.Unlock()
	}()

	p.writeMu.Lock()
	_, err = p.stdin.Write(append(body, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to mcp server: %w", err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("mcp server exited before responding")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification frame.
func (p *stdioProcess) notify(method string) error {
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method})
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(append(body, '\n'))
	return err
}

// pump routes response frames from the child's stdout to waiting calls.
// Non-JSON lines (startup banners, stray logs) are skipped.
func (p *stdioProcess) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp models.MCPResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Err(err).Msg("Discarding malformed MCP frame")
			continue
		}
		if resp.ID == nil {
			continue // server-initiated notification
		}
		p.deliver(&resp)
	}
}

// deliver hands a response to the pending call with the matching id.
// Late responses with no waiter are dropped.
func (p *stdioProcess) deliver(resp *models.MCPResponse) {
	id := fmt.Sprint(resp.ID)
	p.pendMu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.pendMu.Unlock()
	if ok {
		ch <- resp
	}
}

// failPending closes all waiting calls after the child exits.
func (p *stdioProcess) failPending() {
	p.pendMu.Lock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.pendMu.Unlock()
}

// stop terminates the child, SIGINT first and SIGKILL after 3 seconds.
func (p *stdioProcess) stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.exited:
			// Clean exit
		case <-time.After(3 * time.Second):
			_ = p.cmd.Process.Kill()
		}
	}
	p.cancel()
}
