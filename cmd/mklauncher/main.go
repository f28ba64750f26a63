package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/mklauncher/agent"
	"github.com/guseggert/mklauncher/discovery"
	inet "github.com/guseggert/mklauncher/internal/net"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/transport"
	"github.com/guseggert/mklauncher/transport/natsbus"
	"github.com/guseggert/mklauncher/transport/ws"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func displayName(name, host string, suppressIP bool) string {
	if suppressIP {
		return name
	}
	return fmt.Sprintf("%s on %s", name, host)
}

func main() {
	app := &cli.App{
		Name:      "mklauncher",
		Usage:     "session and configuration launcher for Machinekit",
		Version:   version,
		ArgsUsage: "[launcher dirs...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Name of the machine.",
				Value:   "Machinekit Launcher",
			},
			&cli.BoolFlag{
				Name:    "suppress-ip",
				Aliases: []string{"s"},
				Usage:   "Do not show the IP of the machine in the service name.",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging.",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Period of the process state poll.",
				Value: agent.DefaultPollInterval,
			},
			&cli.DurationFlag{
				Name:  "ping-interval",
				Usage: "Period of keepalive pings to subscribers, 0 disables them.",
				Value: agent.DefaultPingInterval,
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Socket transport. One of [ws,nats].",
				Value: "ws",
			},
			&cli.StringFlag{
				Name:  "listen-host",
				Usage: "Host the WebSocket server binds to. Ignored when REMOTE=0.",
				Value: "0.0.0.0",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port the WebSocket server binds to, 0 picks a random port.",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host advertised to clients. Derived from the listen host when empty.",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server used by the nats transport and for service discovery.",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:  "nats-prefix",
				Usage: "Subject prefix of the nats transport.",
				Value: "launcher",
			},
			&cli.DurationFlag{
				Name:  "nats-presence-ttl",
				Usage: "Drop nats subscribers that send no control message for this long, 0 keeps them until they unsubscribe.",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Serve prometheus metrics on /metrics of the WebSocket server.",
			},
			&cli.StringFlag{
				Name:  "shutdown",
				Usage: "How to honor remote system shutdown requests. One of [dbus,command,none].",
				Value: "dbus",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long a remote system shutdown request may take.",
				Value: agent.DefaultShutdownTimeout,
			},
			&cli.StringFlag{
				Name:    "mkini",
				Usage:   "Path of the machinekit ini holding MKUUID and REMOTE.",
				EnvVars: []string{"MACHINEKIT_INI"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	var (
		logger *zap.Logger
		err    error
	)
	if cctx.Bool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	l := logger.Sugar()

	mk := machinekitConfig{Remote: true}
	if path := cctx.String("mkini"); path != "" {
		mk, err = readMachinekitIni(path)
		if err != nil {
			return err
		}
	}
	listenHost := cctx.String("listen-host")
	if !mk.Remote {
		l.Info("remote communication is deactivated, using the loopback interface; set REMOTE=1 in the machinekit ini to enable it")
		listenHost = "127.0.0.1"
	}

	dirs := cctx.Args().Slice()
	defs, err := launcher.LoadDirs(dirs)
	if err != nil {
		return fmt.Errorf("loading launchers: %w", err)
	}
	catalog := launcher.NewCatalog(defs)
	l.Infow("loaded launchers", "Dirs", dirs, "Count", catalog.Len())

	metrics := agent.NewMetrics("")

	var shutdowner agent.Shutdowner
	switch s := cctx.String("shutdown"); s {
	case "dbus":
		shutdowner = &agent.DBusShutdowner{Log: l.Named("shutdown")}
	case "command":
		shutdowner = &agent.CommandShutdowner{}
	case "none":
		shutdowner = agent.NoShutdowner{}
	default:
		return fmt.Errorf("unsupported shutdown %q", s)
	}

	var nc *nats.Conn
	if url := cctx.String("nats-url"); url != "" {
		nc, err = nats.Connect(url, nats.Name("mklauncher"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	var (
		pub    transport.PubSocket
		router transport.RouterSocket
		serve  func() error
		stop   func() error
	)
	switch t := cctx.String("transport"); t {
	case "ws":
		opts := []ws.Option{
			ws.WithLogger(l),
			ws.WithListenAddr(listenHost, cctx.Int("port")),
			ws.WithAdvertiseHost(cctx.String("host")),
		}
		if cctx.Bool("metrics") {
			opts = append(opts, ws.WithMetricsHandler(metrics.Handler()))
		}
		server, err := ws.NewServer(opts...)
		if err != nil {
			return fmt.Errorf("starting WebSocket server: %w", err)
		}
		pub, router, serve, stop = server.Pub(), server.Router(), server.Serve, server.Close
	case "nats":
		if nc == nil {
			return errors.New("the nats transport requires --nats-url")
		}
		bus, err := natsbus.New(nc,
			natsbus.WithLogger(l),
			natsbus.WithPrefix(cctx.String("nats-prefix")),
			natsbus.WithPresenceTTL(cctx.Duration("nats-presence-ttl")),
		)
		if err != nil {
			return fmt.Errorf("starting NATS transport: %w", err)
		}
		done := make(chan struct{})
		pub, router = bus.Pub(), bus.Router()
		serve = func() error { <-done; return nil }
		stop = func() error { close(done); return bus.Close() }
	default:
		return fmt.Errorf("unsupported transport %q", t)
	}

	var registrar discovery.Registrar = discovery.NewLogRegistrar(l)
	if nc != nil {
		registrar = discovery.NewMicroRegistrar(l, nc, version)
	}

	host := cctx.String("host")
	if host == "" {
		host = inet.AdvertiseHost(listenHost)
	}
	opts := []agent.Option{
		agent.WithLogger(l),
		agent.WithName(displayName(cctx.String("name"), host, cctx.Bool("suppress-ip"))),
		agent.WithPollInterval(cctx.Duration("poll-interval")),
		agent.WithPingInterval(cctx.Duration("ping-interval")),
		agent.WithRegistrar(registrar),
		agent.WithShutdowner(shutdowner),
		agent.WithShutdownTimeout(cctx.Duration("shutdown-timeout")),
		agent.WithMetrics(metrics),
	}
	if mk.UUID != "" {
		opts = append(opts, agent.WithUUID(mk.UUID))
	}
	svc, err := agent.New(catalog, pub, router, opts...)
	if err != nil {
		stop()
		return fmt.Errorf("building launcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(serve)
	g.Go(func() error {
		defer stop()
		return svc.Run(gctx)
	})
	return g.Wait()
}
