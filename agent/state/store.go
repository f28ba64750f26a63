// Package state keeps the canonical view of every launcher and turns the supervisor's
// activity into full or incremental update messages.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/guseggert/mklauncher/agent/process"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/protocol"
	"go.uber.org/zap"
)

// Supervisor is the part of process.Supervisor the store observes.
type Supervisor interface {
	IsActive(index int) bool
	IsTerminating(index int) bool
	ReadAvailableOutput(index int) process.Output
	Poll(index int) (process.Status, error)
	Reap(index int)
}

// Runtime is the runtime half of a launcher's state.
type Runtime struct {
	Running bool
	// ReturnCode is nil while running and before the first run.
	ReturnCode  *int
	Terminating bool
	Output      []protocol.StdoutLine
}

// Store holds the canonical launcher list and the delta accumulated since the last
// produced payload.
type Store struct {
	log       *zap.SugaredLogger
	sup       Supervisor
	keepalive time.Duration
	onExit    func(index, returnCode int)

	mu        sync.Mutex
	canonical []protocol.Launcher
	delta     map[int]*protocol.Launcher
	fullOwed  bool
}

type Option func(s *Store)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.log = l.Named("state")
	}
}

// WithKeepalive sets the ping interval advertised in full updates. Zero advertises no pings.
func WithKeepalive(d time.Duration) Option {
	return func(s *Store) {
		s.keepalive = d
	}
}

// WithOnExit registers f to be called, under the store's lock, for every reaped session.
func WithOnExit(f func(index, returnCode int)) Option {
	return func(s *Store) {
		s.onExit = f
	}
}

// NewStore builds the initial snapshot from catalog: nothing running, no return codes,
// no output.
func NewStore(catalog *launcher.Catalog, sup Supervisor, opts ...Option) *Store {
	s := &Store{
		log:   zap.NewNop().Sugar(),
		sup:   sup,
		delta: map[int]*protocol.Launcher{},
	}
	for _, o := range opts {
		o(s)
	}
	for _, def := range catalog.All() {
		l := def.ToProtocol()
		l.Running = protocol.Bool(false)
		l.Terminating = protocol.Bool(false)
		s.canonical = append(s.canonical, l)
	}
	return s
}

// RequestFullUpdate makes the next Diff produce a full snapshot.
func (s *Store) RequestFullUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullOwed = true
}

func (s *Store) deltaFor(index int) *protocol.Launcher {
	d, ok := s.delta[index]
	if !ok {
		d = &protocol.Launcher{Index: index}
		s.delta[index] = d
	}
	return d
}

// Diff folds the supervisor's state into the canonical list and returns the message to
// publish, or nil when nothing changed. A new session or a pending RequestFullUpdate
// yields a full snapshot, anything else an incremental update holding only the changed
// fields. The delta is cleared either way.
func (s *Store) Diff() *protocol.Container {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.canonical {
		s.update(i)
	}

	defer func() { s.delta = map[int]*protocol.Launcher{} }()

	if s.fullOwed {
		s.fullOwed = false
		return s.snapshot()
	}
	if len(s.delta) == 0 {
		return nil
	}

	indices := make([]int, 0, len(s.delta))
	for index := range s.delta {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	c := &protocol.Container{Type: protocol.MessageTypeIncrementalUpdate}
	for _, index := range indices {
		c.Launcher = append(c.Launcher, *s.delta[index])
	}
	return c
}

func (s *Store) update(index int) {
	if !s.sup.IsActive(index) {
		return
	}
	cur := &s.canonical[index]

	if !*cur.Running {
		cur.Running = protocol.Bool(true)
		cur.ReturnCode = nil
		cur.Terminating = protocol.Bool(false)
		cur.Output = nil
		s.fullOwed = true
		d := s.deltaFor(index)
		d.Running = protocol.Bool(true)
		s.log.Debugw("new session", "Index", index)
	}

	s.drainOutput(index)

	if s.sup.IsTerminating(index) && !*cur.Terminating {
		cur.Terminating = protocol.Bool(true)
		s.deltaFor(index).Terminating = protocol.Bool(true)
	}

	status, err := s.sup.Poll(index)
	if err != nil {
		s.log.Debugf("polling launcher %d: %s", index, err)
		return
	}
	if !status.Exited {
		return
	}

	// anything written before the exit goes out ahead of the stopped transition
	s.drainOutput(index)

	cur.Running = protocol.Bool(false)
	cur.ReturnCode = protocol.Int(status.ReturnCode)
	cur.Terminating = protocol.Bool(false)
	d := s.deltaFor(index)
	d.Running = protocol.Bool(false)
	d.ReturnCode = protocol.Int(status.ReturnCode)
	d.Terminating = protocol.Bool(false)
	s.sup.Reap(index)
	if s.onExit != nil {
		s.onExit(index, status.ReturnCode)
	}
	s.log.Debugw("session ended", "Index", index, "ReturnCode", status.ReturnCode)
}

func (s *Store) drainOutput(index int) {
	out := s.sup.ReadAvailableOutput(index)
	if out.State == process.StreamError {
		s.log.Debugf("reading output of launcher %d: %s", index, out.Err)
	}
	if len(out.Lines) == 0 {
		return
	}
	cur := &s.canonical[index]
	d := s.deltaFor(index)
	for _, line := range out.Lines {
		l := protocol.StdoutLine{Index: len(cur.Output), Line: line}
		cur.Output = append(cur.Output, l)
		d.Output = append(d.Output, l)
	}
}

// Snapshot returns a full update message with every launcher's complete state.
func (s *Store) Snapshot() *protocol.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() *protocol.Container {
	c := &protocol.Container{
		Type:     protocol.MessageTypeFullUpdate,
		Launcher: make([]protocol.Launcher, len(s.canonical)),
		Pparams:  &protocol.ProtocolParameters{KeepaliveTimer: int(s.keepalive.Milliseconds())},
	}
	for i, l := range s.canonical {
		if l.ReturnCode != nil {
			l.ReturnCode = protocol.Int(*l.ReturnCode)
		}
		l.Output = append([]protocol.StdoutLine(nil), l.Output...)
		c.Launcher[i] = l
	}
	return c
}

// Runtime returns the current runtime state of index, or false if index is out of range.
func (s *Store) Runtime(index int) (Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.canonical) {
		return Runtime{}, false
	}
	l := s.canonical[index]
	r := Runtime{
		Running:     *l.Running,
		Terminating: *l.Terminating,
		Output:      append([]protocol.StdoutLine(nil), l.Output...),
	}
	if l.ReturnCode != nil {
		r.ReturnCode = protocol.Int(*l.ReturnCode)
	}
	return r, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.canonical)
}
