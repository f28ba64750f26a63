package state

import (
	"testing"
	"time"

	"github.com/guseggert/mklauncher/agent/process"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	lines       []string
	exited      bool
	returnCode  int
	terminating bool
}

type fakeSupervisor struct {
	sessions map[int]*fakeSession
	reaped   []int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{sessions: map[int]*fakeSession{}}
}

func (f *fakeSupervisor) start(index int) *fakeSession {
	sess := &fakeSession{}
	f.sessions[index] = sess
	return sess
}

func (f *fakeSupervisor) IsActive(index int) bool {
	_, ok := f.sessions[index]
	return ok
}

func (f *fakeSupervisor) IsTerminating(index int) bool {
	sess, ok := f.sessions[index]
	return ok && sess.terminating
}

func (f *fakeSupervisor) ReadAvailableOutput(index int) process.Output {
	sess, ok := f.sessions[index]
	if !ok {
		return process.Output{State: process.StreamError, Err: process.ErrNotActive}
	}
	lines := sess.lines
	sess.lines = nil
	return process.Output{Lines: lines}
}

func (f *fakeSupervisor) Poll(index int) (process.Status, error) {
	sess, ok := f.sessions[index]
	if !ok {
		return process.Status{}, process.ErrNotActive
	}
	return process.Status{Exited: sess.exited, ReturnCode: sess.returnCode}, nil
}

func (f *fakeSupervisor) Reap(index int) {
	delete(f.sessions, index)
	f.reaped = append(f.reaped, index)
}

func newStore(t *testing.T) (*Store, *fakeSupervisor) {
	t.Helper()
	catalog := launcher.NewCatalog([]launcher.Definition{
		{Name: "mill", Command: "machinekit mill.ini", Priority: 10},
		{Name: "lathe", Command: "machinekit lathe.ini", Priority: 5},
	})
	sup := newFakeSupervisor()
	return NewStore(catalog, sup, WithKeepalive(2*time.Second)), sup
}

func TestInitialSnapshot(t *testing.T) {
	s, _ := newStore(t)
	c := s.Snapshot()
	assert.Equal(t, protocol.MessageTypeFullUpdate, c.Type)
	require.Len(t, c.Launcher, 2)
	assert.Equal(t, "mill", *c.Launcher[0].Name)
	assert.Equal(t, 1, c.Launcher[1].Index)
	assert.False(t, *c.Launcher[0].Running)
	assert.Nil(t, c.Launcher[0].ReturnCode)
	require.NotNil(t, c.Pparams)
	assert.Equal(t, 2000, c.Pparams.KeepaliveTimer)

	assert.Nil(t, s.Diff())
}

func TestDiffNewSessionIsFullUpdate(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(1)
	sess.lines = []string{"hello\n"}

	c := s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeFullUpdate, c.Type)
	lathe := c.Launcher[1]
	assert.True(t, *lathe.Running)
	assert.Equal(t, []protocol.StdoutLine{{Index: 0, Line: "hello\n"}}, lathe.Output)

	// the full update settles the delta
	assert.Nil(t, s.Diff())
}

func TestDiffOutputSequencing(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(0)
	require.NotNil(t, s.Diff())

	sess.lines = []string{"a\n", "b\n"}
	c := s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeIncrementalUpdate, c.Type)
	require.Len(t, c.Launcher, 1)
	assert.Equal(t, 0, c.Launcher[0].Index)
	assert.Nil(t, c.Launcher[0].Running)
	assert.Nil(t, c.Launcher[0].Name)
	assert.Equal(t, []protocol.StdoutLine{{Index: 0, Line: "a\n"}, {Index: 1, Line: "b\n"}}, c.Launcher[0].Output)

	sess.lines = []string{"c\n"}
	c = s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, []protocol.StdoutLine{{Index: 2, Line: "c\n"}}, c.Launcher[0].Output)

	rt, ok := s.Runtime(0)
	require.True(t, ok)
	assert.Len(t, rt.Output, 3)
}

func TestDiffTerminatingSentOnce(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(0)
	require.NotNil(t, s.Diff())

	sess.terminating = true
	c := s.Diff()
	require.NotNil(t, c)
	require.Len(t, c.Launcher, 1)
	assert.True(t, *c.Launcher[0].Terminating)

	assert.Nil(t, s.Diff())
	rt, _ := s.Runtime(0)
	assert.True(t, rt.Terminating)

	// full updates keep reporting it until the exit
	snap := s.Snapshot()
	require.NotNil(t, snap.Launcher[0].Terminating)
	assert.True(t, *snap.Launcher[0].Terminating)
}

func TestDiffExit(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(0)
	require.NotNil(t, s.Diff())

	sess.terminating = true
	sess.exited = true
	sess.returnCode = -15
	sess.lines = []string{"bye\n"}

	c := s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeIncrementalUpdate, c.Type)
	d := c.Launcher[0]
	assert.False(t, *d.Running)
	assert.False(t, *d.Terminating)
	assert.Equal(t, -15, *d.ReturnCode)
	assert.Equal(t, []protocol.StdoutLine{{Index: 0, Line: "bye\n"}}, d.Output)
	assert.Equal(t, []int{0}, sup.reaped)

	rt, _ := s.Runtime(0)
	assert.False(t, rt.Running)
	assert.False(t, rt.Terminating)
	assert.Equal(t, -15, *rt.ReturnCode)
	assert.Nil(t, s.Diff())
}

func TestDiffRestartClearsOutput(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(0)
	sess.lines = []string{"first run\n"}
	sess.exited = true
	sess.returnCode = 1
	c := s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeFullUpdate, c.Type)
	assert.Equal(t, 1, *c.Launcher[0].ReturnCode)
	assert.False(t, *c.Launcher[0].Running)

	sess = sup.start(0)
	sess.lines = []string{"second run\n"}
	c = s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeFullUpdate, c.Type)
	l := c.Launcher[0]
	assert.True(t, *l.Running)
	assert.Nil(t, l.ReturnCode)
	assert.Equal(t, []protocol.StdoutLine{{Index: 0, Line: "second run\n"}}, l.Output)
}

func TestRequestFullUpdate(t *testing.T) {
	s, _ := newStore(t)
	s.RequestFullUpdate()
	c := s.Diff()
	require.NotNil(t, c)
	assert.Equal(t, protocol.MessageTypeFullUpdate, c.Type)
	assert.Nil(t, s.Diff())
}

func TestSnapshotIsACopy(t *testing.T) {
	s, sup := newStore(t)
	sess := sup.start(0)
	sess.lines = []string{"x\n"}
	s.Diff()

	c := s.Snapshot()
	c.Launcher[0].Output[0].Line = "changed"
	rt, _ := s.Runtime(0)
	assert.Equal(t, "x\n", rt.Output[0].Line)

	_, ok := s.Runtime(2)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}
