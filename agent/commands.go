package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guseggert/mklauncher/agent/process"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/protocol"
	"github.com/guseggert/mklauncher/transport"
	"go.uber.org/zap"
)

// commandServer validates and executes requests from the command socket. Requests are
// handled one at a time. Everything touching processes runs under mu, the Launcher's
// mutex, so commands never interleave with a diff tick.
type commandServer struct {
	log             *zap.SugaredLogger
	mu              *sync.Mutex
	router          transport.RouterSocket
	catalog         *launcher.Catalog
	sup             *process.Supervisor
	shutdowner      Shutdowner
	shutdownTimeout time.Duration
	metrics         *Metrics
}

func (c *commandServer) handle(ctx context.Context, req transport.Request) {
	msg, err := protocol.Decode(req.Body)
	if err != nil {
		c.log.Debugw("undecodable request", "Identity", req.Identity.String(), "Error", err)
		c.metrics.commands.WithLabelValues("invalid").Inc()
		c.replyError(req.Identity, err.Error())
		return
	}
	c.metrics.commands.WithLabelValues(commandLabel(msg.Type)).Inc()
	c.log.Debugw("request", "Identity", req.Identity.String(), "Type", msg.Type)

	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			c.replyError(req.Identity, verr.Note)
			return
		}
		c.replyError(req.Identity, err.Error())
		return
	}

	// a shutdown touches no launcher state and may take long, ticks keep running meanwhile
	if _, ok := cmd.(protocol.ShutdownCommand); ok {
		c.shutdown(ctx, req.Identity)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd := cmd.(type) {
	case protocol.PingCommand:
		c.reply(req.Identity, &protocol.Container{Type: protocol.MessageTypePingAcknowledge})

	case protocol.StartCommand:
		def, ok := c.catalog.Get(cmd.Index)
		if !ok {
			c.replyError(req.Identity, protocol.NoteWrongIndex)
			return
		}
		if err := c.sup.Start(cmd.Index); err != nil {
			c.log.Warnw("starting process", "Index", cmd.Index, "Name", def.Name, "Error", err)
			c.replyError(req.Identity, err.Error())
			return
		}
		c.metrics.starts.WithLabelValues(def.Name).Inc()
		c.log.Infow("process started", "Index", cmd.Index, "Name", def.Name)

	case protocol.TerminateCommand:
		c.signal(req.Identity, cmd.Index, c.sup.Terminate)

	case protocol.KillCommand:
		c.signal(req.Identity, cmd.Index, c.sup.Kill)

	case protocol.WriteStdinCommand:
		if !c.active(cmd.Index) {
			c.replyError(req.Identity, protocol.NoteWrongIndex)
			return
		}
		if err := c.sup.WriteStdin(cmd.Index, cmd.Data); err != nil {
			if errors.Is(err, process.ErrNotActive) {
				c.replyError(req.Identity, protocol.NoteWrongIndex)
				return
			}
			c.replyError(req.Identity, err.Error())
		}

	case protocol.CallCommand:
		c.replyError(req.Identity, protocol.NoteCallNotAllowed)

	default:
		c.replyError(req.Identity, protocol.NoteUnknownCommand)
	}
}

func (c *commandServer) shutdown(ctx context.Context, identity transport.Identity) {
	ctx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()
	if err := c.shutdowner.Shutdown(ctx); err != nil {
		c.log.Warnw("system shutdown failed", "Error", err)
		c.replyError(identity, protocol.NoteCannotShutdown+": "+err.Error())
		return
	}
	c.log.Info("system shutdown requested")
}

func (c *commandServer) active(index int) bool {
	if _, ok := c.catalog.Get(index); !ok {
		return false
	}
	return c.sup.IsActive(index)
}

func (c *commandServer) signal(identity transport.Identity, index int, send func(int) error) {
	if !c.active(index) {
		c.replyError(identity, protocol.NoteWrongIndex)
		return
	}
	if err := send(index); err != nil {
		if errors.Is(err, process.ErrNotActive) {
			c.replyError(identity, protocol.NoteWrongIndex)
			return
		}
		c.replyError(identity, err.Error())
	}
}

func (c *commandServer) replyError(identity transport.Identity, note string) {
	c.metrics.commandErrors.WithLabelValues(errorLabel(note)).Inc()
	c.reply(identity, protocol.NewError(note))
}

func (c *commandServer) reply(identity transport.Identity, msg *protocol.Container) {
	b, err := protocol.Encode(msg)
	if err != nil {
		c.log.Errorw("encoding reply", "Type", msg.Type, "Error", err)
		return
	}
	if err := c.router.Reply(identity, b); err != nil {
		c.log.Warnw("sending reply", "Identity", identity.String(), "Type", msg.Type, "Error", err)
	}
}

// commandLabel keeps the metric label set bounded when clients send arbitrary types.
func commandLabel(t protocol.MessageType) string {
	switch t {
	case protocol.MessageTypePing,
		protocol.MessageTypeStart,
		protocol.MessageTypeTerminate,
		protocol.MessageTypeKill,
		protocol.MessageTypeWriteStdin,
		protocol.MessageTypeCall,
		protocol.MessageTypeShutdown:
		return string(t)
	}
	return "unknown"
}

// errorLabel keeps the metric's label set bounded, free form notes count as "other".
func errorLabel(note string) string {
	switch note {
	case protocol.NoteWrongIndex, protocol.NoteWrongParameters, protocol.NoteCallNotAllowed, protocol.NoteUnknownCommand:
		return note
	}
	return "other"
}
