package child

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/models"
)

const (
	// Snapshot payloads for heavy pages run to megabytes; size the line
	// scanner so one frame always fits.
	maxFrameBytes = 16 * 1024 * 1024

	protocolVersion = "2024-11-05"
	clientName      = "pwmcp"
	clientVersion   = "1.0.0"
)

// ErrStopped is returned to outstanding callers when the supervisor is shut
// down deliberately.
var ErrStopped = errors.New("child stopped")

// ErrCallTimeout is returned when the child does not reply within the call
// deadline. The child stays usable; the late reply is dropped on arrival.
type ErrCallTimeout struct {
	Method  string
	Timeout time.Duration
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.Method, e.Timeout)
}

// ErrChildGone is returned when the child's stdout closed or its output
// could not be parsed. The child is unusable afterwards.
type ErrChildGone struct {
	Reason string
}

func (e *ErrChildGone) Error() string {
	return fmt.Sprintf("child gone: %s", e.Reason)
}

// ErrRemote carries a JSON-RPC error object returned by the child. The
// child stays usable.
type ErrRemote struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ErrRemote) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Options configures one supervisor.
type Options struct {
	Logger *slog.Logger

	// Command and BaseArgs form the launcher; instance flags from the
	// browser config are appended. Defaults to npx @playwright/mcp.
	Command  string
	BaseArgs []string
	Env      []string

	StartupTimeout time.Duration
	CallTimeout    time.Duration
	ProbeTimeout   time.Duration
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// Supervisor owns one playwright-mcp subprocess and frames its stdio as
// newline-delimited JSON-RPC. Calls from any number of goroutines are
// serialized onto stdin under a writer mutex; one reader goroutine routes
// replies by id.
type Supervisor struct {
	id    int
	alias string

	logger *slog.Logger
	cfg    config.Browser
	opts   Options

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writerMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcMessage
	nextID    atomic.Int64

	stateMu sync.Mutex
	state   models.InstanceState

	gone     chan struct{}
	goneOnce sync.Once
	goneErr  error

	readyAt time.Time
	tools   []string

	// OnProgress, if set, receives server-initiated progress notification
	// params. No effect on call correlation.
	OnProgress func(params json.RawMessage)
}

func NewSupervisor(id int, alias string, cfg config.Browser, opts Options) *Supervisor {
	if opts.Command == "" {
		opts.Command = "npx"
		opts.BaseArgs = []string{"-y", "@playwright/mcp@latest"}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = config.DefaultStartupTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = config.DefaultCallTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = config.DefaultProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		id:      id,
		alias:   alias,
		logger:  logger.With("component", "child", "instance", id),
		cfg:     cfg,
		opts:    opts,
		pending: make(map[int64]chan *rpcMessage),
		state:   models.InstanceStarting,
		gone:    make(chan struct{}),
	}
}

// Start launches the subprocess and performs the MCP handshake: initialize,
// the initialized notification, then tools/list. The supervisor is Ready
// only after all three complete within the startup window.
func (s *Supervisor) Start(ctx context.Context) error {
	args := append(append([]string{}, s.opts.BaseArgs...), s.cfg.Args()...)
	cmd := exec.Command(s.opts.Command, args...)
	if len(s.opts.Env) > 0 {
		cmd.Env = s.opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch child: %w", err)
	}

	s.cmd = cmd
	s.logger.Info("child launched", "pid", cmd.Process.Pid, "args", args)

	go s.drainStderr(stderr)
	s.attach(stdin, stdout)

	if err := s.handshake(ctx); err != nil {
		s.logger.Error("handshake failed", "error", err)
		s.Stop(time.Second)
		s.forceState(models.InstanceFailed)
		return err
	}
	return nil
}

// attach wires the stdio pair and starts the reader. Split from Start so
// tests can drive a supervisor over in-process pipes.
func (s *Supervisor) attach(stdin io.WriteCloser, stdout io.Reader) {
	s.stdin = stdin
	go s.readLoop(stdout)
}

func (s *Supervisor) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()

	_, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}, s.opts.StartupTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := s.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	raw, err := s.call(ctx, "tools/list", map[string]any{}, s.opts.StartupTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var listed struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("tools/list decode: %w", err)
	}
	for _, tool := range listed.Tools {
		s.tools = append(s.tools, tool.Name)
	}

	s.readyAt = time.Now()
	s.setState(models.InstanceReady)
	s.logger.Info("child ready", "tools", len(s.tools))
	return nil
}

// Call invokes an MCP tool on the child and returns the raw result.
func (s *Supervisor) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}
	return s.call(ctx, method, params, timeout)
}

// CallTool is the common case: tools/call with a tool name and arguments.
func (s *Supervisor) CallTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return s.Call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	}, timeout)
}

// Probe pings the child on a short deadline. It shares the stdio pair with
// in-flight tool calls and never waits for them.
func (s *Supervisor) Probe(ctx context.Context) error {
	_, err := s.call(ctx, "ping", map[string]any{}, s.opts.ProbeTimeout)
	return err
}

func (s *Supervisor) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-s.gone:
		return nil, s.goneError()
	default:
	}

	id := s.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.writeFrame(rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}); err != nil {
		s.unregister(id)
		s.markGone(fmt.Sprintf("stdin write failed: %v", err))
		return nil, s.goneError()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg == nil {
			return nil, s.goneError()
		}
		if msg.Error != nil {
			return nil, &ErrRemote{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
		}
		return msg.Result, nil
	case <-timer.C:
		s.unregister(id)
		s.logger.Warn("call timed out", "method", method, "id", id, "timeout", timeout.String())
		return nil, &ErrCallTimeout{Method: method, Timeout: timeout}
	case <-ctx.Done():
		s.unregister(id)
		return nil, ctx.Err()
	case <-s.gone:
		s.unregister(id)
		return nil, s.goneError()
	}
}

// Notify writes a notification frame (no id, no reply).
func (s *Supervisor) Notify(method string, params any) error {
	return s.writeFrame(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Supervisor) writeFrame(req rpcRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if s.stdin == nil {
		return ErrStopped
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.markGone(fmt.Sprintf("unparseable frame: %v", err))
			return
		}
		if msg.ID == nil {
			if msg.Method == "notifications/progress" && s.OnProgress != nil {
				s.OnProgress(msg.Params)
			} else {
				s.logger.Debug("notification from child", "method", msg.Method)
			}
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[*msg.ID]
		if ok {
			delete(s.pending, *msg.ID)
		}
		s.pendingMu.Unlock()
		if !ok {
			// Timed-out or cancelled caller already left. Drop it.
			s.logger.Debug("late reply dropped", "id", *msg.ID)
			continue
		}
		m := msg
		ch <- &m
	}

	reason := "stdout closed"
	if err := scanner.Err(); err != nil {
		reason = fmt.Sprintf("stdout read failed: %v", err)
	}
	s.markGone(reason)
}

func (s *Supervisor) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("child stderr", "line", scanner.Text())
	}
}

// markGone fails all outstanding waiters and transitions to Failed, unless
// the supervisor is being stopped deliberately.
func (s *Supervisor) markGone(reason string) {
	s.goneOnce.Do(func() {
		stopping := s.State() == models.InstanceStopped
		if stopping {
			s.goneErr = ErrStopped
		} else {
			s.goneErr = &ErrChildGone{Reason: reason}
			s.setState(models.InstanceFailed)
			s.logger.Error("child gone", "reason", reason)
		}
		close(s.gone)

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			delete(s.pending, id)
			ch <- nil
		}
		s.pendingMu.Unlock()
	})
}

func (s *Supervisor) goneError() error {
	if s.goneErr != nil {
		return s.goneErr
	}
	return &ErrChildGone{Reason: "unknown"}
}

func (s *Supervisor) unregister(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// Stop shuts the child down: close stdin, wait grace for a natural exit,
// then SIGTERM, then SIGKILL after another grace. Outstanding callers
// complete with ErrStopped.
func (s *Supervisor) Stop(grace time.Duration) {
	s.setState(models.InstanceStopped)

	s.writerMu.Lock()
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	s.writerMu.Unlock()

	s.markGone("stopping")

	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	exited := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		s.logger.Info("child exited cleanly")
		return
	case <-time.After(grace):
	}

	s.logger.Warn("child did not exit on stdin close, sending SIGTERM")
	s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}

	s.logger.Warn("child ignored SIGTERM, sending SIGKILL")
	s.cmd.Process.Kill()
	<-exited
}

func (s *Supervisor) State() models.InstanceState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state models.InstanceState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	// Failed and Stopped are terminal.
	if s.state == models.InstanceStopped {
		return
	}
	if s.state == models.InstanceFailed && state != models.InstanceStopped {
		return
	}
	s.state = state
}

func (s *Supervisor) forceState(state models.InstanceState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

// ID is the 0-based instance id within the owning pool.
func (s *Supervisor) ID() int { return s.id }

// Alias is the configured instance alias, empty when unset.
func (s *Supervisor) Alias() string { return s.alias }

// MarkFailed transitions the child to Failed and fails all outstanding
// callers. Used by the pool when sustained health probes fail.
func (s *Supervisor) MarkFailed(reason string) {
	s.markGone(reason)
}

// PID reports the OS process id, or 0 when no process is attached.
func (s *Supervisor) PID() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Tools lists the tool names the child advertised during the handshake.
func (s *Supervisor) Tools() []string {
	return append([]string{}, s.tools...)
}

// Config exposes the frozen effective browser configuration.
func (s *Supervisor) Config() config.Browser {
	return s.cfg
}

// Gone reports readiness loss; closed once the child can take no more calls.
func (s *Supervisor) Gone() <-chan struct{} {
	return s.gone
}
