package backend

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const DefaultStopGrace = 5 * time.Second

// ErrNotRunning is returned when signalling a process that was never started.
var ErrNotRunning = errors.New("process not running")

// newCommand creates an exec.Cmd in its own process group so that signals
// reach every descendant of the agent CLI.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// Process supervises one agent CLI child process.
//
// Output is read concurrently from stdout and stderr and funnelled through a
// single dispatch goroutine, so the handler sees events one at a time and in
// order. The exit event is always last and is delivered exactly once.
type Process struct {
	provider Provider
	opts     StartOptions
	handler  Handler
	procMgr  *ProcessManager
	grace    time.Duration

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdinClosed bool
	started     bool
	exited      bool
	stopping    bool
	killTimer   *time.Timer

	events chan Event
	done   chan struct{}
}

// NewProcess prepares a process for provider. The ProcessManager is optional;
// when set, the child is tracked so it can be killed on shutdown.
func NewProcess(provider Provider, opts StartOptions, handler Handler, procMgr *ProcessManager) *Process {
	if handler == nil {
		handler = func(Event) {}
	}
	return &Process{
		provider: provider,
		opts:     opts,
		handler:  handler,
		procMgr:  procMgr,
		grace:    DefaultStopGrace,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

// SetStopGrace overrides the SIGTERM to SIGKILL delay. Must be called before Stop.
func (p *Process) SetStopGrace(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.grace = d
	}
}

// Start launches the child. A spawn failure is reported both as an error
// event (delivered synchronously) and as the returned error; no exit event
// follows in that case.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("process already started")
	}
	p.started = true

	binary := p.opts.Binary
	if binary == "" {
		binary = p.provider.DefaultBinary()
	}
	cmd := newCommand(binary, p.provider.BuildArgs(p.opts)...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), p.opts.Env...)

	stdin, stdout, stderr, err := openPipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		p.exited = true
		p.mu.Unlock()
		close(p.done)
		err = fmt.Errorf("failed to start %s: %w", binary, err)
		p.handler(Event{Kind: EventError, Err: err})
		return err
	}

	p.cmd = cmd
	p.stdin = stdin
	if !p.provider.Capabilities().FollowUpInput {
		stdin.Close()
		p.stdinClosed = true
	}
	p.mu.Unlock()

	if p.procMgr != nil {
		p.procMgr.Track(cmd)
	}

	go p.dispatch()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()

	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		p.reap()
	}()

	return nil
}

func openPipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	return stdin, stdout, stderr, nil
}

func (p *Process) dispatch() {
	defer close(p.done)
	for ev := range p.events {
		p.handler(ev)
	}
}

func (p *Process) readStdout(r io.Reader) {
	var dec LineDecoder
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				p.events <- ev
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.events <- Event{Kind: EventError, Err: fmt.Errorf("stdout read: %w", err)}
			}
			break
		}
	}
	for _, ev := range dec.Flush() {
		p.events <- ev
	}
}

func (p *Process) readStderr(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if text := strings.TrimRight(line, "\r\n"); strings.TrimSpace(text) != "" {
			p.events <- Event{Kind: EventStderr, Text: text}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) reap() {
	waitErr := p.cmd.Wait()
	if p.procMgr != nil {
		p.procMgr.Untrack(p.cmd)
	}

	p.mu.Lock()
	p.exited = true
	p.stdinClosed = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	exit := Event{Kind: EventExit}
	if st := p.cmd.ProcessState; st != nil {
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		} else {
			code := st.ExitCode()
			exit.ExitCode = &code
		}
	} else if waitErr != nil {
		p.events <- Event{Kind: EventError, Err: fmt.Errorf("wait: %w", waitErr)}
	}

	p.events <- exit
	close(p.events)
}

// SendMessage writes a follow-up user message as one JSON line on stdin.
// It does nothing when stdin is unavailable: the provider doesn't take
// follow-up input, the process has exited, or it is stopping.
func (p *Process) SendMessage(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil || p.stdinClosed {
		return nil
	}

	line, err := json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{Type: "user_message", Content: text})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.stdinClosed = true
		return fmt.Errorf("failed to write stdin: %w", err)
	}
	return nil
}

// Interrupt sends SIGINT to the process group.
func (p *Process) Interrupt() error {
	return p.signal(syscall.SIGINT)
}

// Stop asks the process to terminate with SIGTERM and escalates to SIGKILL
// once the grace period passes. Calling Stop again while a stop is pending
// is a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.exited || p.stopping {
		return nil
	}
	p.stopping = true

	if p.stdin != nil && !p.stdinClosed {
		p.stdin.Close()
		p.stdinClosed = true
	}

	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
		return err
	}

	p.killTimer = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.exited {
			signalGroup(p.cmd, syscall.SIGKILL)
		}
	})
	return nil
}

func (p *Process) signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return ErrNotRunning
	}
	if p.exited {
		return nil
	}
	return signalGroup(p.cmd, sig)
}

// PID returns the child's process id, or 0 if it isn't running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.exited {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed after the exit event has been handled.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return ErrNotRunning
	}
	// Negative pid targets the whole group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group: %w", err)
	}
	return nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return signalGroup(cmd, syscall.SIGKILL)
}

// ProcessManager tracks running agent processes so they can all be killed
// on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been reaped.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
