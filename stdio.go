package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// stdioConn speaks line-delimited JSON-RPC with a subprocess. A single reader
// goroutine owns the output stream and resolves pending calls by id.
type stdioConn struct {
	logger      *slog.Logger
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	writeMu     sync.Mutex
	pending     *pendingTable
	stopTimeout time.Duration
	maxLine     int

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	err        error
	exitCode   int
	serverInfo mcp.Implementation
}

// newStdioConn builds a connection writing to stdin. The caller starts
// readLoop on the matching output stream.
func newStdioConn(stdin io.WriteCloser, logger *slog.Logger) *stdioConn {
	return &stdioConn{
		logger:      logger,
		stdin:       stdin,
		pending:     newPendingTable(),
		stopTimeout: 10 * time.Second,
		maxLine:     maxLineSize,
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		exitCode:    -1,
	}
}

func startStdio(ctx context.Context, def *ServerDefinition, opts OpenOptions, logger *slog.Logger) (*stdioConn, error) {
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = append(os.Environ(), envList(def.Env)...)
	cmd.Stderr = &stderrLogger{logger: logger}
	cmd.WaitDelay = opts.StopTimeout
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stdin: %w", ErrLaunchFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stdout: %w", ErrLaunchFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	c := newStdioConn(stdin, logger)
	c.cmd = cmd
	c.stopTimeout = opts.StopTimeout
	go c.readLoop(stdout)

	logger.Info("Backend process started", "pid", cmd.Process.Pid, "command", def.Command, "args", def.Args)

	if err := c.handshake(ctx, opts); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	return c, nil
}

// handshake performs initialize followed by notifications/initialized.
func (c *stdioConn) handshake(ctx context.Context, opts OpenOptions) error {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	raw, err := c.Call(ctx, string(mcp.MethodInitialize), opts.initializeParams(), timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: invalid initialize result: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("Backend initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	return c.send(newNotification(notificationInitialized, nil))
}

func (c *stdioConn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.pending.register(method, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.send(newRequest(call.id, method, params)); err != nil {
		c.pending.abandon(call.id)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return c.pending.await(ctx, call)
}

func (c *stdioConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.stdin, v)
}

// maxLineSize bounds one JSON-RPC line read from a backend.
const maxLineSize = 16 * 1024 * 1024

var errLineTooLong = fmt.Errorf("%w: line exceeds size limit", ErrProtocol)

// readLine returns the next line including its newline. A line longer than
// limit is consumed up to its newline and reported as errLineTooLong, so the
// stream stays aligned on frame boundaries.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err != nil {
				return nil, err
			}
			return nil, errLineTooLong
		}

		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (c *stdioConn) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)

	var readErr error
	for {
		line, err := readLine(reader, c.maxLine)
		if errors.Is(err, errLineTooLong) {
			c.logger.Warn("Discarding oversized line from backend", "limit", c.maxLine)
			continue
		}
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			readErr = err
			break
		}
	}

	cause := fmt.Errorf("%w: backend closed its output", ErrUnavailable)
	if !errors.Is(readErr, io.EOF) {
		cause = fmt.Errorf("%w: read failed: %v", ErrUnavailable, readErr)
	}

	if c.cmd != nil {
		waitErr := c.cmd.Wait()
		c.mu.Lock()
		if c.cmd.ProcessState != nil {
			c.exitCode = c.cmd.ProcessState.ExitCode()
		}
		c.mu.Unlock()
		if waitErr != nil {
			cause = fmt.Errorf("%w: process exited: %v", ErrUnavailable, waitErr)
		}
	}

	c.teardown(cause)
	close(c.exited)
}

func (c *stdioConn) handleLine(line []byte) {
	msg, err := parseFrame(line)
	if err != nil {
		c.logger.Warn("Discarding malformed line from backend", "error", err, "line", truncate(line, 256))
		return
	}
	if msg == nil {
		return
	}

	switch {
	case msg.isResponse():
		id, err := msg.requestID()
		if err != nil {
			c.logger.Warn("Discarding response with invalid id", "error", err)
			return
		}

		res := callResult{result: msg.Result}
		if msg.Error != nil {
			res = callResult{err: msg.Error}
		}
		if !c.pending.resolve(id, res) {
			c.logger.Debug("Discarding response for unknown request id", "id", id)
		}

	case msg.hasID():
		c.answer(msg)

	default:
		c.logger.Debug("Backend notification", "method", msg.Method)
	}
}

// answer replies to a backend-initiated request. Only ping is supported.
func (c *stdioConn) answer(msg *rpcMessage) {
	reply := rpcReply{JSONRPC: mcp.JSONRPC_VERSION, ID: msg.ID}
	if msg.Method == string(mcp.MethodPing) {
		reply.Result = map[string]any{}
	} else {
		reply.Error = &RPCError{Code: rpcMethodNotFound, Message: "method not found: " + msg.Method}
	}

	if err := c.send(reply); err != nil {
		c.logger.Warn("Failed to answer backend request", "method", msg.Method, "error", err)
	}
}

// teardown records the cause, fails every pending call and closes done.
// Only the first cause is kept.
func (c *stdioConn) teardown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	c.mu.Unlock()

	c.pending.failAll(cause)
	close(c.done)
}

// Close stops the backend: stdin is closed, the process gets SIGTERM and is
// killed if it is still running after the stop timeout.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		c.teardown(fmt.Errorf("%w: connection closed", ErrUnavailable))
		c.stdin.Close()

		if c.cmd == nil || c.cmd.Process == nil {
			return
		}

		if err := terminateProcess(c.cmd); err != nil {
			c.logger.Debug("Failed to signal backend", "pid", c.cmd.Process.Pid, "error", err)
		}

		select {
		case <-c.exited:
			return
		case <-time.After(c.stopTimeout):
		}

		c.logger.Warn("Backend did not stop gracefully, killing it", "pid", c.cmd.Process.Pid)
		killProcess(c.cmd)

		select {
		case <-c.exited:
		case <-time.After(c.stopTimeout):
			c.logger.Error("Backend output still open after kill", "pid", c.cmd.Process.Pid)
		}
	})
	return nil
}

func (c *stdioConn) Done() <-chan struct{} {
	return c.done
}

func (c *stdioConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stdioConn) Pending() int {
	return c.pending.len()
}

func (c *stdioConn) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// ExitCode returns the process exit code, or -1 while running.
func (c *stdioConn) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// envList renders env overrides as KEY=VALUE in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

const maxStderrLine = 64 * 1024

// stderrLogger forwards complete stderr lines to the log. Backend stderr is
// diagnostic only and never reaches HTTP callers.
type stderrLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write, flushing it once it
			// grows past the limit
			if len(line) > maxStderrLine {
				w.logger.Debug("Backend stderr", "line", truncate(line, maxStderrLine))
				break
			}
			w.buf.Write(line)
			break
		}
		if text := bytes.TrimSpace(line); len(text) > 0 {
			w.logger.Debug("Backend stderr", "line", string(text))
		}
	}
	return len(p), nil
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
