package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/craigcitro/backend-container/config"
	"github.com/craigcitro/backend-container/singleflight"
)

const (
	defaultReadyTimeout = 15 * time.Second
	defaultPollInterval = 100 * time.Millisecond

	// The backend's kernel heartbeat log line is emitted continuously and is
	// pure noise; lines containing it are dropped before logging.
	heartbeatLogLine = "Kernel Heartbeat:"
)

// ErrReadinessTimeout is delivered to every parked waiter when the backend's
// port never accepts a connection within the readiness window.
var ErrReadinessTimeout = errors.New("supervisor: backend port never became reachable")

// SpawnError wraps a failure to create the backend process, including a child
// that exits before its port ever accepts a connection.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "supervisor: spawn failed: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a backend for one key.
type State int

const (
	// StateAbsent means no backend exists; the next request creates one.
	StateAbsent State = iota
	// StateStarting means a start attempt is in flight.
	StateStarting
	// StateReady means the backend's port accepts connections.
	StateReady
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	default:
		return "InvalidState"
	}
}

// Recorder receives lifecycle transitions for the audit trail. Recording
// failures are logged and never affect backend lifecycle.
type Recorder interface {
	Record(event string, key string, port int, detail string) error
}

// Audit event names recorded through a Recorder.
const (
	EventSpawnStarted = "spawn_started"
	EventReady        = "ready"
	EventStartFailed  = "start_failed"
	EventCrashed      = "crashed"
	EventStopped      = "stopped"
)

// backend is the per-key record. All fields are guarded by the Supervisor's
// mutex; the process handle is owned exclusively by the Supervisor.
type backend struct {
	state State
	port  int
	dir   string
	cmd   *exec.Cmd
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Settings *config.Config

	Logger       *slog.Logger  // Optional, defaults to slog.Default()
	Audit        Recorder      // Optional, nil disables audit recording
	ReadyTimeout time.Duration // Optional, defaults to 15s
	PollInterval time.Duration // Optional, defaults to 100ms
}

// Supervisor owns the spawn/readiness/crash state machine for managed backend
// processes, one per logical key. Requests never touch process handles
// directly; they go through EnsureStarted/Port/StopAll.
type Supervisor struct {
	settings *config.Config
	flights  *singleflight.Group
	logger   *slog.Logger
	audit    Recorder

	readyTimeout time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	backends map[string]*backend
}

// New creates a Supervisor from the given configuration.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("supervisor: Settings is required")
	}
	if cfg.Settings.BackendCommand == "" {
		return nil, fmt.Errorf("supervisor: BackendCommand is required")
	}
	if cfg.Settings.BackendPort <= 0 {
		return nil, fmt.Errorf("supervisor: invalid backend port %d", cfg.Settings.BackendPort)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = defaultReadyTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	return &Supervisor{
		settings:     cfg.Settings,
		flights:      singleflight.New(),
		logger:       logger.With("component", "Supervisor"),
		audit:        cfg.Audit,
		readyTimeout: readyTimeout,
		pollInterval: pollInterval,
		backends:     make(map[string]*backend),
	}, nil
}

// EnsureStarted guarantees a start attempt is in flight or complete for key
// and registers cb for its outcome. If the backend is already Ready, cb is
// invoked asynchronously with nil. If a start is in flight, cb joins it.
// Otherwise the caller's goroutine initiates a fresh start and cb becomes the
// first waiter. A nil cb is permitted for fire-and-forget callers.
func (s *Supervisor) EnsureStarted(key string, cb singleflight.Callback) {
	if cb == nil {
		cb = func(error) {}
	}

	s.mu.Lock()
	b := s.backends[key]
	if b != nil && b.state == StateReady {
		s.mu.Unlock()
		go cb(nil)
		return
	}

	// Joining and the Absent->Starting transition happen under the registry
	// lock so no two callers can both observe Absent for the same key.
	initiator := s.flights.JoinOrStart(key, cb)
	if !initiator {
		s.mu.Unlock()
		return
	}
	if b == nil {
		b = &backend{}
		s.backends[key] = b
	}
	b.state = StateStarting
	b.port = s.settings.BackendPort
	s.mu.Unlock()

	go s.start(key)
}

// Port returns the backend's port for key if it is Ready, else 0. It never
// blocks on a start in flight.
func (s *Supervisor) Port(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.backends[key]; b != nil && b.state == StateReady {
		return b.port
	}
	return 0
}

// StateOf returns the current lifecycle state for key.
func (s *Supervisor) StateOf(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.backends[key]; b != nil {
		return b.state
	}
	return StateAbsent
}

// StopAll best-effort terminates every known backend with SIGHUP and clears
// all records to Absent. Errors from processes that already exited are
// ignored. Teardown is terminal: pending waiters receive no notification.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.backends {
		if b.cmd != nil && b.cmd.Process != nil {
			if err := b.cmd.Process.Signal(syscall.SIGHUP); err != nil {
				s.logger.Debug("Signal to exiting backend failed", "key", key, "error", err)
			}
			s.record(EventStopped, key, b.port, "")
		}
		b.state = StateAbsent
		b.cmd = nil
	}
	s.backends = make(map[string]*backend)
	s.logger.Info("All backends stopped")
}

// start runs the full start sequence for key. The caller must already hold
// the single flight for key; every registered waiter observes the outcome
// through CompleteAll exactly once.
func (s *Supervisor) start(key string) {
	dir := s.resolveContentDir()
	port := s.settings.BackendPort
	args := s.spawnArgs(port, dir)

	s.logger.Info("Starting backend", "key", key, "port", port, "dir", dir,
		"command", s.settings.BackendCommand+" "+strings.Join(args, " "))
	s.record(EventSpawnStarted, key, port, "")

	cmd := exec.Command(s.settings.BackendCommand, args...)
	cmd.Dir = dir
	// Env is left nil so the child inherits the parent's environment
	// unmodified.

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		s.failStart(key, port, &SpawnError{fmt.Errorf("stdout pipe: %w", err)})
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		s.failStart(key, port, &SpawnError{fmt.Errorf("stderr pipe: %w", err)})
		return
	}

	if err := cmd.Start(); err != nil {
		s.failStart(key, port, &SpawnError{err})
		return
	}

	// The process handle joins the record as soon as it exists so the exit
	// handler can tell whether an exit belongs to the current attempt.
	s.mu.Lock()
	if b := s.backends[key]; b != nil {
		b.cmd = cmd
	}
	s.mu.Unlock()

	go s.streamLogs(key, "stdout", stdoutPipe)
	go s.streamLogs(key, "stderr", stderrPipe)

	// Exit handler: any exit, regardless of cause, resets the key to Absent.
	// A readiness wait in flight observes the exit through exitCh and stops
	// polling.
	exitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		exitCh <- err
		s.handleExit(key, cmd, err)
	}()

	if err := s.awaitReady(port, exitCh); err != nil {
		if errors.Is(err, ErrReadinessTimeout) {
			// The child may still be running without ever having bound its
			// port; terminate it best-effort so the next attempt starts clean.
			if cmd.Process != nil {
				cmd.Process.Signal(syscall.SIGHUP)
			}
		}
		s.failStart(key, port, err)
		return
	}

	s.completeStart(key, cmd, port, dir)
}

// awaitReady polls the loopback address on port until it accepts connections,
// the overall timeout elapses, or the child exits.
func (s *Supervisor) awaitReady(port int, exitCh <-chan error) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(s.readyTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exitCh:
			if err == nil {
				err = errors.New("exit status 0")
			}
			return &SpawnError{fmt.Errorf("backend exited during startup: %w", err)}
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, s.pollInterval)
			if err == nil {
				conn.Close()
				return nil
			}
			if time.Now().After(deadline) {
				return ErrReadinessTimeout
			}
		}
	}
}

// completeStart transitions key to Ready and delivers success to all waiters.
// If the exit handler already reset the key (the child died in the window
// between the successful dial and this call), the flight fails instead.
func (s *Supervisor) completeStart(key string, cmd *exec.Cmd, port int, dir string) {
	s.mu.Lock()
	b := s.backends[key]
	if b == nil || b.state != StateStarting || b.cmd != cmd {
		s.mu.Unlock()
		err := &SpawnError{errors.New("backend exited before becoming ready")}
		s.record(EventStartFailed, key, port, err.Error())
		s.flights.CompleteAll(key, err)
		return
	}
	b.state = StateReady
	b.port = port
	b.dir = dir
	s.mu.Unlock()

	s.logger.Info("Backend is ready", "key", key, "port", port, "pid", cmd.Process.Pid)
	s.record(EventReady, key, port, "")
	s.flights.CompleteAll(key, nil)
}

// failStart resets key to Absent and delivers err to all waiters. The next
// request for the key retries from scratch; there is no cached failure.
func (s *Supervisor) failStart(key string, port int, err error) {
	s.mu.Lock()
	if b := s.backends[key]; b != nil {
		b.state = StateAbsent
		b.cmd = nil
	}
	s.mu.Unlock()

	s.logger.Error("Backend start failed", "key", key, "port", port, "error", err)
	s.record(EventStartFailed, key, port, err.Error())
	s.flights.CompleteAll(key, err)
}

// handleExit runs when a child exits for any reason. It discards the process
// handle and resets the key to Absent, but only if the record still belongs
// to this process; a later attempt for the same key is left alone. A crash
// after Ready is logged and reset silently; by then no waiters exist, so
// there is nobody to notify. An exit during Starting additionally reaches the
// waiters through the readiness wait.
func (s *Supervisor) handleExit(key string, cmd *exec.Cmd, exitErr error) {
	s.mu.Lock()
	b := s.backends[key]
	if b == nil || b.cmd != cmd {
		s.mu.Unlock()
		return
	}
	wasReady := b.state == StateReady
	port := b.port
	b.state = StateAbsent
	b.cmd = nil
	s.mu.Unlock()

	if wasReady {
		s.logger.Warn("Backend exited unexpectedly", "key", key, "error", exitErr)
		s.record(EventCrashed, key, port, fmt.Sprintf("%v", exitErr))
	}
}

// streamLogs pipes one output stream of the child into the logger line by
// line, dropping the heartbeat noise.
func (s *Supervisor) streamLogs(key, stream string, pipe io.ReadCloser) {
	defer pipe.Close()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, heartbeatLogLine) {
			continue
		}
		if stream == "stderr" {
			s.logger.Error("Backend output", "key", key, "stream", stream, "line", line)
		} else {
			s.logger.Info("Backend output", "key", key, "stream", stream, "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("Error reading backend output", "key", key, "stream", stream, "error", err)
	}
}

// resolveContentDir returns the backend's working directory, creating it if
// needed. Creation failure falls back to the default directory rather than
// failing the start.
func (s *Supervisor) resolveContentDir() string {
	dir := s.settings.ContentDir
	if dir == "" {
		dir = config.DefaultContentDir
	}
	if _, err := os.Stat(dir); err == nil {
		return dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Could not create content dir, falling back to default",
			"dir", dir, "fallback", config.DefaultContentDir, "error", err)
		return config.DefaultContentDir
	}
	return dir
}

// spawnArgs builds the deterministic argument list for the backend: the
// configured base arguments plus the port, working directory, notary secret
// path and shared base URL path.
func (s *Supervisor) spawnArgs(port int, dir string) []string {
	basePath := s.settings.BasePath
	if basePath == "" {
		basePath = "/"
	}
	secretPath := s.settings.NotarySecretPath
	if secretPath == "" {
		secretPath = config.DefaultNotarySecretPath
	}

	args := append([]string{}, s.settings.BackendArgs...)
	return append(args,
		fmt.Sprintf("--port=%d", port),
		"--port-retries=0",
		fmt.Sprintf("--notebook-dir=%s", dir),
		"--NotebookNotary.algorithm=sha256",
		fmt.Sprintf("--NotebookNotary.secret_file=%s", secretPath),
		fmt.Sprintf("--NotebookApp.base_url=%s", basePath),
	)
}

// record writes a lifecycle event to the audit trail when one is attached.
func (s *Supervisor) record(event, key string, port int, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(event, key, port, detail); err != nil {
		s.logger.Error("Failed to record audit event", "event", event, "key", key, "error", err)
	}
}
