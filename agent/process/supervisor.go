package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/mklauncher/launcher"
	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotActive      = errors.New("process not active")
	ErrUnknownIndex   = errors.New("unknown launcher index")
)

// Status is the result of polling a session.
type Status struct {
	Exited bool
	// ReturnCode is valid once Exited is true. A process killed by a signal reports the
	// negated signal number.
	ReturnCode int
}

type session struct {
	index   int
	cmd     *exec.Cmd
	command []string
	stdin   *os.File
	output  *outputBuffer

	exited     chan struct{}
	returnCode int
}

// Supervisor starts, signals, polls, and reaps one process per launcher index.
// All methods are safe for concurrent use.
type Supervisor struct {
	log     *zap.SugaredLogger
	catalog *launcher.Catalog

	shell        string
	stdinTimeout time.Duration
	outputGrace  time.Duration

	mu          sync.Mutex
	sessions    map[int]*session
	terminating map[int]struct{}
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

// WithShell sets the shell used for launchers with shell=true. It is invoked as "<shell> -c <command>".
func WithShell(path string) Option {
	return func(s *Supervisor) {
		s.shell = path
	}
}

// WithStdinTimeout bounds how long WriteStdin may block on a process that does not read its input.
func WithStdinTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stdinTimeout = d
	}
}

// WithOutputGrace bounds how long an exit is held back waiting for the output pipe to drain.
// Children that outlive the launched process can keep the pipe open indefinitely.
func WithOutputGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.outputGrace = d
	}
}

func NewSupervisor(catalog *launcher.Catalog, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:          zap.NewNop().Sugar(),
		catalog:      catalog,
		shell:        "/bin/sh",
		stdinTimeout: time.Second,
		outputGrace:  200 * time.Millisecond,
		sessions:     map[int]*session{},
		terminating:  map[int]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveCommand returns the argv used to run a launcher.
func (s *Supervisor) ResolveCommand(def launcher.Definition) ([]string, error) {
	if def.Shell {
		return []string{s.shell, "-c", def.Command}, nil
	}
	argv, err := shellwords.Parse(def.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", def.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("launcher %q has an empty command", def.Name)
	}
	return argv, nil
}

// Start launches the process for index in a new process group, with stdout and stderr
// merged into one buffered stream and stdin open for writing.
func (s *Supervisor) Start(index int) error {
	def, ok := s.catalog.Get(index)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownIndex, index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[index]; ok {
		return fmt.Errorf("launcher %d: %w", index, ErrAlreadyRunning)
	}

	argv, err := s.ResolveCommand(def)
	if err != nil {
		return err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = def.Workdir
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.Stdin = inR
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()
	// the child holds its own copies now
	outW.Close()
	inR.Close()
	if err != nil {
		outR.Close()
		inW.Close()
		return fmt.Errorf("starting %q: %w", def.Name, err)
	}

	sess := &session{
		index:   index,
		cmd:     cmd,
		command: argv,
		stdin:   inW,
		output:  newOutputBuffer(outR),
		exited:  make(chan struct{}),
	}
	s.sessions[index] = sess
	go s.wait(sess)

	s.log.Debugw("process started", "Index", index, "PID", cmd.Process.Pid, "Command", argv, "WD", def.Workdir)
	return nil
}

func (s *Supervisor) wait(sess *session) {
	err := sess.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			s.log.Debugf("unexpected wait error for launcher %d: %s", sess.index, err)
		}
	}

	// let the reader pick up whatever the process wrote right before exiting
	select {
	case <-sess.output.done:
	case <-time.After(s.outputGrace):
	}

	sess.returnCode = exitCode(sess.cmd.ProcessState)
	s.log.Debugf("process %d of launcher %d exited with code %d", sess.cmd.Process.Pid, sess.index, sess.returnCode)
	close(sess.exited)
}

func (s *Supervisor) session(index int) (*session, error) {
	sess, ok := s.sessions[index]
	if !ok {
		return nil, fmt.Errorf("launcher %d: %w", index, ErrNotActive)
	}
	return sess, nil
}

// Poll reports whether the process for index has exited. It never blocks and never
// removes the session.
func (s *Supervisor) Poll(index int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(index)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-sess.exited:
		return Status{Exited: true, ReturnCode: sess.returnCode}, nil
	default:
		return Status{}, nil
	}
}

// ReadAvailableOutput returns the complete lines buffered since the last call.
func (s *Supervisor) ReadAvailableOutput(index int) Output {
	s.mu.Lock()
	sess, err := s.session(index)
	s.mu.Unlock()
	if err != nil {
		return Output{State: StreamError, Err: err}
	}
	return sess.output.drain()
}

// Terminate sends SIGTERM to the process group of index.
func (s *Supervisor) Terminate(index int) error {
	return s.signal(index, terminateGroup, "terminate")
}

// Kill sends SIGKILL to the process group of index.
func (s *Supervisor) Kill(index int) error {
	return s.signal(index, killGroup, "kill")
}

func (s *Supervisor) signal(index int, send func(pid int) error, what string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(index)
	if err != nil {
		return err
	}
	if err := send(sess.cmd.Process.Pid); err != nil {
		return fmt.Errorf("%s launcher %d: %w", what, index, err)
	}
	s.terminating[index] = struct{}{}
	s.log.Debugw("signaled process group", "Index", index, "PID", sess.cmd.Process.Pid, "Signal", what)
	return nil
}

// TerminateAll sends SIGTERM to every active process group without waiting for exits.
func (s *Supervisor) TerminateAll() error {
	var errs []error
	for _, index := range s.Active() {
		if err := s.Terminate(index); err != nil && !errors.Is(err, ErrNotActive) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteStdin writes data verbatim to the process's standard input.
func (s *Supervisor) WriteStdin(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(index)
	if err != nil {
		return err
	}
	if sess.stdin == nil {
		return fmt.Errorf("launcher %d stdin closed: %w", index, ErrNotActive)
	}
	if err := sess.stdin.SetWriteDeadline(time.Now().Add(s.stdinTimeout)); err != nil {
		s.log.Debugf("stdin of launcher %d does not support deadlines: %s", index, err)
	}
	_, err = sess.stdin.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("writing stdin of launcher %d: %w", index, err)
		}
		// the reading end is gone, no later write can succeed
		sess.stdin.Close()
		sess.stdin = nil
		return fmt.Errorf("writing stdin of launcher %d: %s: %w", index, err, ErrNotActive)
	}
	return nil
}

// Reap forgets the session of index once its exit has been consumed.
func (s *Supervisor) Reap(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[index]
	if !ok {
		return
	}
	if sess.stdin != nil {
		sess.stdin.Close()
	}
	if err := sess.output.close(); err != nil {
		s.log.Debugf("closing output of launcher %d: %s", index, err)
	}
	delete(s.sessions, index)
	delete(s.terminating, index)
	s.log.Debugw("reaped process", "Index", index)
}

func (s *Supervisor) IsActive(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[index]
	return ok
}

func (s *Supervisor) IsTerminating(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.terminating[index]
	return ok
}

// Active returns the supervised indices in ascending order.
func (s *Supervisor) Active() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]int, 0, len(s.sessions))
	for index := range s.sessions {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Command returns the argv the process of index was started with.
func (s *Supervisor) Command(index int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[index]
	if !ok {
		return nil, false
	}
	return append([]string(nil), sess.command...), true
}
