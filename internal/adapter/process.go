package adapter

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

const (
	// stdoutChunkSize is the read buffer for the child's stdout.
	stdoutChunkSize = 32 * 1024
	// stderrTailLines bounds the retained stderr tail surfaced in errors.
	stderrTailLines = 50
)

// ChildOptions configures a child process start.
type ChildOptions struct {
	CWD string
	Env []string

	// OnData receives raw stdout chunks of arbitrary size.
	OnData func(chunk []byte)
	// OnStderr receives complete stderr lines.
	OnStderr func(line string)
	// OnExit fires once when the child exits, after stdout is drained.
	OnExit func(code int)

	Logger *logger.Logger
}

// Handle owns one child process: its pipes, its process group, and the
// signal escalation timers. All signals target the group (-pid).
type Handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	mu         sync.Mutex
	killTimers []*time.Timer
	stdinOpen  bool
	exited     bool
	exitCode   int

	stderrTail *tailBuffer
	onExit     func(code int)
	done       chan struct{}
	logger     *logger.Logger
}

// StartChild launches the binary in a new process group and begins pumping
// its pipes. The caller must set all callbacks in opts before calling.
func StartChild(bin string, args []string, opts ChildOptions) (*Handle, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.CWD
	cmd.Env = opts.Env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	h := &Handle{
		cmd:        cmd,
		stdin:      stdin,
		pid:        cmd.Process.Pid,
		stdinOpen:  true,
		stderrTail: newTailBuffer(stderrTailLines),
		onExit:     opts.OnExit,
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pumpStdout(stdout, opts.OnData, &pumps)
	go h.pumpStderr(stderr, opts.OnStderr, &pumps)
	go h.reap(&pumps)

	return h, nil
}

func (h *Handle) pumpStdout(r io.Reader, onData func([]byte), wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) pumpStderr(r io.Reader, onStderr func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	var pending strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending.WriteString(string(buf[:n]))
			text := pending.String()
			for {
				idx := strings.IndexByte(text, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(text[:idx], "\r")
				text = text[idx+1:]
				h.stderrTail.Append(line)
				if onStderr != nil {
					onStderr(line)
				}
			}
			pending.Reset()
			pending.WriteString(text)
		}
		if err != nil {
			if rest := pending.String(); rest != "" {
				h.stderrTail.Append(rest)
				if onStderr != nil {
					onStderr(rest)
				}
			}
			return
		}
	}
}

// reap waits for process exit, then for the pipe pumps to drain, so OnExit
// always observes the complete output.
func (h *Handle) reap(pumps *sync.WaitGroup) {
	err := h.cmd.Wait()
	pumps.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.exitCode = code
	h.stdinOpen = false
	for _, t := range h.killTimers {
		t.Stop()
	}
	h.killTimers = nil
	h.mu.Unlock()

	h.logger.Debug("child exited", zap.Int("code", code))
	close(h.done)
	if h.onExit != nil {
		h.onExit(code)
	}
}

// ProcessAlive reports whether a process with the given pid exists. Used by
// the boot reconciler to probe children recorded by a previous worker run.
func ProcessAlive(pid int) bool {
	return pid > 0 && processAlive(pid)
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// Alive reports whether the child process still exists.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	return !exited && processAlive(h.pid)
}

// StdinWritable reports whether stdin can still accept data.
func (h *Handle) StdinWritable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdinOpen
}

// WriteLine writes data plus a trailing newline to the child's stdin.
func (h *Handle) WriteLine(data []byte) error {
	h.mu.Lock()
	if !h.stdinOpen {
		h.mu.Unlock()
		return fmt.Errorf("stdin closed")
	}
	h.mu.Unlock()

	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		h.mu.Lock()
		h.stdinOpen = false
		h.mu.Unlock()
		return fmt.Errorf("failed to write to child stdin: %w", err)
	}
	return nil
}

// Stdin exposes the raw stdin writer for protocol clients.
func (h *Handle) Stdin() io.Writer {
	return h.stdin
}

// CloseStdin signals EOF to the child.
func (h *Handle) CloseStdin() error {
	h.mu.Lock()
	h.stdinOpen = false
	h.mu.Unlock()
	return h.stdin.Close()
}

// Signal delivers a signal to the child's process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	h.logger.Debug("signaling child group", zap.String("signal", sig.String()))
	return signalProcessGroup(h.pid, sig)
}

// Interrupt sends SIGINT to the group.
func (h *Handle) Interrupt() error {
	return h.Signal(syscall.SIGINT)
}

// Terminate sends SIGTERM to the group.
func (h *Handle) Terminate() error {
	return h.Signal(syscall.SIGTERM)
}

// ScheduleKill arms a SIGKILL for the group after the given delay. Timers
// are cleared automatically on exit.
func (h *Handle) ScheduleKill(after time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	t := time.AfterFunc(after, func() {
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if exited {
			return
		}
		h.logger.Warn("escalating to SIGKILL")
		_ = signalProcessGroup(h.pid, syscall.SIGKILL)
	})
	h.killTimers = append(h.killTimers, t)
}

// CancelScheduledKill disarms all pending kill timers. Called when the
// condition that armed them resolved without killing the child.
func (h *Handle) CancelScheduledKill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.killTimers {
		t.Stop()
	}
	h.killTimers = nil
}

// Kill sends SIGKILL to the group immediately.
func (h *Handle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// Done is closed when the child has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the child's exit code; valid after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// StderrTail returns the retained tail of the child's stderr, for
// spawn-failure diagnostics.
func (h *Handle) StderrTail() string {
	return h.stderrTail.String()
}

// tailBuffer keeps the last n lines appended to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
