package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/mklauncher/protocol"
)

var ErrNotSynced = errors.New("incremental update before first full update")

// Cache mirrors the launcher list from state messages. A full update replaces the whole
// list; an incremental update overwrites only the fields it carries and appends output.
type Cache struct {
	mu        sync.Mutex
	synced    bool
	launchers []protocol.Launcher
	keepalive int
}

func NewCache() *Cache {
	return &Cache{}
}

// Apply folds msg into the cache. Messages other than updates are ignored.
func (c *Cache) Apply(msg *protocol.Container) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case protocol.MessageTypeFullUpdate:
		launchers := make([]protocol.Launcher, len(msg.Launcher))
		for i, l := range msg.Launcher {
			if l.Index != i {
				return fmt.Errorf("full update has launcher %d at position %d", l.Index, i)
			}
			l.Output = append([]protocol.StdoutLine(nil), l.Output...)
			launchers[i] = l
		}
		c.launchers = launchers
		if msg.Pparams != nil {
			c.keepalive = msg.Pparams.KeepaliveTimer
		}
		c.synced = true
		return nil

	case protocol.MessageTypeIncrementalUpdate:
		if !c.synced {
			return ErrNotSynced
		}
		for _, d := range msg.Launcher {
			if d.Index < 0 || d.Index >= len(c.launchers) {
				return fmt.Errorf("incremental update for unknown launcher %d", d.Index)
			}
			merge(&c.launchers[d.Index], d)
		}
		return nil
	}
	return nil
}

func merge(cur *protocol.Launcher, d protocol.Launcher) {
	if d.Name != nil {
		cur.Name = d.Name
	}
	if d.Description != nil {
		cur.Description = d.Description
	}
	if d.Info != nil {
		cur.Info = d.Info
	}
	if d.Priority != nil {
		cur.Priority = d.Priority
	}
	if d.Command != nil {
		cur.Command = d.Command
	}
	if d.Shell != nil {
		cur.Shell = d.Shell
	}
	if d.Workdir != nil {
		cur.Workdir = d.Workdir
	}
	if d.Image != nil {
		cur.Image = d.Image
	}
	if d.Running != nil {
		cur.Running = d.Running
	}
	if d.ReturnCode != nil {
		cur.ReturnCode = d.ReturnCode
	}
	if d.Terminating != nil {
		cur.Terminating = d.Terminating
	}
	cur.Output = append(cur.Output, d.Output...)
}

func (c *Cache) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// KeepaliveTimer is the ping interval in milliseconds announced by the last full update.
func (c *Cache) KeepaliveTimer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepalive
}

func (c *Cache) Get(index int) (protocol.Launcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.launchers) {
		return protocol.Launcher{}, false
	}
	l := c.launchers[index]
	l.Output = append([]protocol.StdoutLine(nil), l.Output...)
	return l, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.launchers)
}
