package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultReplayCapacity   = 1000
	defaultSubscriberBufCap = 256
	// defaultMaxPendingOutput is how many output bytes may queue for one
	// subscriber before further chunks are dropped.
	defaultMaxPendingOutput = 32 << 20
	defaultKillGrace        = 5 * time.Second

	// supersedeTimeout bounds how long Start waits for a force-killed
	// predecessor to be reaped.
	supersedeTimeout = 10 * time.Second

	// pipeWaitDelay bounds how long Wait keeps draining output pipes held
	// open by stray grandchildren after the process exits.
	pipeWaitDelay = 2 * time.Second

	recorderTimeout = 5 * time.Second
)

var (
	ErrExecutableNotConfigured = errors.New("generation executable is not configured")
	ErrSupersedeTimeout        = errors.New("previous generation did not exit")
)

// Recorder persists the lifecycle of generation sessions.
type Recorder interface {
	GenerationStarted(ctx context.Context, sess Session) error
	GenerationFinished(ctx context.Context, sessionID string, exitCode int, finishedAt time.Time) error
}

// Config configures a Controller.
type Config struct {
	Executable string
	// KillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
	KillGrace time.Duration
	Logger    *slog.Logger
	Recorder  Recorder
}

// Controller runs the generation executable, at most one process at a time.
type Controller struct {
	mu         sync.Mutex
	executable string
	killGrace  time.Duration
	logger     *slog.Logger
	recorder   Recorder
	active     *managedSession

	subMu       sync.RWMutex
	replay      *replayBuffer
	subscribers map[string]*subscriber
	maxPending  int
}

type managedSession struct {
	session *Session
	cmd     *exec.Cmd
	done    chan struct{}

	// reaped is set once Wait has returned; the pid may be reused after
	// that, so no signal is sent.
	mu     sync.Mutex
	reaped bool
}

// signal applies send to the process unless it has already been reaped.
func (ms *managedSession) signal(send func(*os.Process) error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.reaped {
		return nil
	}
	return send(ms.cmd.Process)
}

// New creates a controller for the configured executable.
func New(cfg Config) *Controller {
	executable := cfg.Executable
	if executable != "" {
		if abs, err := filepath.Abs(executable); err == nil {
			executable = abs
		}
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		executable:  executable,
		killGrace:   killGrace,
		logger:      logger.With("component", "generation"),
		recorder:    cfg.Recorder,
		replay:      newReplayBuffer(defaultReplayCapacity),
		subscribers: make(map[string]*subscriber),
		maxPending:  defaultMaxPendingOutput,
	}
}

// Executable returns the absolute path of the generation executable.
func (c *Controller) Executable() string {
	return c.executable
}

// Start launches the executable with opts. A running session is killed
// outright first and its exit is reported before the new process spawns.
func (c *Controller) Start(opts Options) (*Session, error) {
	if c.executable == "" {
		return nil, ErrExecutableNotConfigured
	}
	args, err := BuildArgs(c.executable, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.active; prev != nil {
		c.logger.Info("superseding running generation", "session", prev.session.ID)
		if err := prev.signal(forceKill); err != nil {
			c.logger.Debug("kill previous generation", "session", prev.session.ID, "error", err)
		}
		select {
		case <-prev.done:
		case <-time.After(supersedeTimeout):
			return nil, fmt.Errorf("%w: %s", ErrSupersedeTimeout, prev.session.ID)
		}
	}

	sess := &Session{
		ID:         uuid.NewString(),
		Executable: c.executable,
		WorkDir:    filepath.Dir(c.executable),
		Args:       args,
		Options:    opts,
		StartedAt:  time.Now().UTC(),
	}

	// The executable resolves its assets relative to its own directory.
	cmd := exec.Command(c.executable, args...)
	cmd.Dir = sess.WorkDir
	cmd.Stdout = &streamWriter{ctrl: c, sessionID: sess.ID, stream: OutputStdout}
	cmd.Stderr = &streamWriter{ctrl: c, sessionID: sess.ID, stream: OutputStderr}
	cmd.WaitDelay = pipeWaitDelay
	configureProcess(cmd)

	// Holding subMu across the spawn keeps the output writers behind the
	// started event and gives the new session a fresh replay buffer.
	c.subMu.Lock()
	c.replay.reset()
	c.logger.Info("starting generation", "session", sess.ID, "executable", c.executable, "args", args)
	if err := cmd.Start(); err != nil {
		c.logger.Error("generation failed to start", "session", sess.ID, "error", err)
		c.publishLocked(OutputEvent{
			SessionID: sess.ID,
			Type:      OutputError,
			Data:      err.Error(),
			Timestamp: time.Now().UTC(),
		})
		c.subMu.Unlock()
		return nil, fmt.Errorf("start %s: %w", c.executable, err)
	}
	c.publishLocked(OutputEvent{
		SessionID: sess.ID,
		Type:      OutputStarted,
		Args:      args,
		Timestamp: sess.StartedAt,
	})
	c.subMu.Unlock()

	ms := &managedSession{session: sess, cmd: cmd, done: make(chan struct{})}
	c.active = ms

	if c.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if err := c.recorder.GenerationStarted(ctx, *sess); err != nil {
			c.logger.Warn("record generation start", "session", sess.ID, "error", err)
		}
		cancel()
	}

	go c.waitForExit(ms)

	snapshot := *sess
	return &snapshot, nil
}

// waitForExit reaps the process, reports its exit exactly once and clears
// the active session.
func (c *Controller) waitForExit(ms *managedSession) {
	err := ms.cmd.Wait()
	ms.mu.Lock()
	ms.reaped = true
	ms.mu.Unlock()

	exitCode := 0
	if state := ms.cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.logger.Warn("wait for generation", "session", ms.session.ID, "error", err)
		}
	}

	c.logger.Info("generation exited", "session", ms.session.ID, "exit_code", exitCode)
	finishedAt := time.Now().UTC()
	c.publish(OutputEvent{
		SessionID: ms.session.ID,
		Type:      OutputExit,
		ExitCode:  exitCode,
		Timestamp: finishedAt,
	})

	if c.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if err := c.recorder.GenerationFinished(ctx, ms.session.ID, exitCode, finishedAt); err != nil {
			c.logger.Warn("record generation exit", "session", ms.session.ID, "error", err)
		}
		cancel()
	}

	// done is closed before taking c.mu: a superseding Start holds the lock
	// while it waits on done.
	close(ms.done)

	c.mu.Lock()
	if c.active == ms {
		c.active = nil
	}
	c.mu.Unlock()
}

// Kill asks the running process to terminate and escalates to SIGKILL after
// the grace period. Without a running process it does nothing.
func (c *Controller) Kill() error {
	c.mu.Lock()
	ms := c.active
	c.mu.Unlock()

	if ms == nil {
		return nil
	}

	c.logger.Info("terminating generation", "session", ms.session.ID)
	if err := ms.signal(terminate); err != nil {
		c.logger.Warn("graceful termination failed, killing", "session", ms.session.ID, "error", err)
		if err := ms.signal(forceKill); err != nil {
			return fmt.Errorf("kill generation %s: %w", ms.session.ID, err)
		}
		return nil
	}

	go func() {
		select {
		case <-ms.done:
		case <-time.After(c.killGrace):
			c.logger.Warn("generation ignored termination, killing", "session", ms.session.ID)
			if err := ms.signal(forceKill); err != nil {
				c.logger.Debug("force kill generation", "session", ms.session.ID, "error", err)
			}
		}
	}()
	return nil
}

// Active returns a copy of the running session, if any.
func (c *Controller) Active() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, false
	}
	snapshot := *c.active.session
	return &snapshot, true
}

// Wait blocks until the running session, if any, has exited or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	ms := c.active
	c.mu.Unlock()

	if ms == nil {
		return nil
	}
	select {
	case <-ms.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills any running process and waits for it to be reaped.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	ms := c.active
	c.mu.Unlock()

	if ms == nil {
		return
	}
	if err := ms.signal(forceKill); err != nil {
		c.logger.Debug("kill generation on shutdown", "session", ms.session.ID, "error", err)
	}
	select {
	case <-ms.done:
	case <-time.After(supersedeTimeout):
		c.logger.Warn("generation still running after shutdown", "session", ms.session.ID)
	}
}

// Subscribe registers a channel receiving every subsequent event, together
// with the buffered events of the current session. Events arrive in order;
// the channel is closed after Unsubscribe.
func (c *Controller) Subscribe() (string, <-chan OutputEvent, []OutputEvent) {
	subID := uuid.NewString()
	sub := newSubscriber(defaultSubscriberBufCap, c.maxPending)

	// History and registration happen under the same lock as publish, so no
	// event is both replayed and delivered, or neither.
	c.subMu.Lock()
	history := c.replay.snapshot()
	c.subscribers[subID] = sub
	c.subMu.Unlock()

	return subID, sub.ch, history
}

// Unsubscribe removes a subscriber. Its channel is closed shortly after,
// discarding anything still queued.
func (c *Controller) Unsubscribe(subID string) {
	c.subMu.Lock()
	sub, ok := c.subscribers[subID]
	delete(c.subscribers, subID)
	c.subMu.Unlock()

	if ok {
		sub.close()
	}
}

// publish buffers an event and queues it for every subscriber without
// waiting on any of them.
func (c *Controller) publish(event OutputEvent) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	c.publishLocked(event)
}

// publishLocked is publish for callers already holding subMu.
func (c *Controller) publishLocked(event OutputEvent) {
	c.replay.add(event)

	for _, sub := range c.subscribers {
		sub.push(event)
	}
}

// streamWriter forwards each chunk os/exec copies from a pipe as one event.
type streamWriter struct {
	ctrl      *Controller
	sessionID string
	stream    OutputEventType
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.ctrl.publish(OutputEvent{
		SessionID: w.sessionID,
		Type:      w.stream,
		Data:      string(p),
		Timestamp: time.Now().UTC(),
	})
	return len(p), nil
}
