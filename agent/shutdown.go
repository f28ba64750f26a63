package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

var ErrShutdownUnavailable = errors.New("system shutdown disabled")

// Shutdowner powers off the host on a remote shutdown command.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// DBusShutdowner asks logind to power off, falling back to ConsoleKit on systems
// without logind.
type DBusShutdowner struct {
	Log *zap.SugaredLogger
}

func (d *DBusShutdowner) Shutdown(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("DBus error: %w", err)
	}
	defer conn.Close()

	logind := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	err = logind.CallWithContext(ctx, "org.freedesktop.login1.Manager.PowerOff", 0, false).Err
	if err == nil {
		return nil
	}
	if d.Log != nil {
		d.Log.Debugf("logind power off failed, trying ConsoleKit: %s", err)
	}

	ck := conn.Object("org.freedesktop.ConsoleKit", "/org/freedesktop/ConsoleKit/Manager")
	if ckErr := ck.CallWithContext(ctx, "org.freedesktop.ConsoleKit.Manager.Stop", 0).Err; ckErr != nil {
		return fmt.Errorf("DBus error: %w", errors.Join(err, ckErr))
	}
	return nil
}

// CommandShutdowner runs an external command, "shutdown now" by default.
type CommandShutdowner struct {
	Command []string
}

func (c *CommandShutdowner) Shutdown(ctx context.Context) error {
	argv := c.Command
	if len(argv) == 0 {
		argv = []string{"shutdown", "now"}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %v: %w: %s", argv, err, out)
	}
	return nil
}

// NoShutdowner refuses every shutdown request.
type NoShutdowner struct{}

func (NoShutdowner) Shutdown(context.Context) error { return ErrShutdownUnavailable }
