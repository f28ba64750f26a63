package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/mklauncher/agent/process"
	"github.com/guseggert/mklauncher/agent/state"
	"github.com/guseggert/mklauncher/discovery"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Topic is the pub/sub topic launcher state is published on.
const Topic = "launcher"

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPingInterval    = 2 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Launcher is the launcher service: it publishes launcher state to subscribers and
// executes remote commands against the supervised processes.
type Launcher struct {
	log *zap.SugaredLogger

	catalog *launcher.Catalog
	sup     *process.Supervisor
	store   *state.Store

	pub    transport.PubSocket
	router transport.RouterSocket

	registrar  discovery.Registrar
	shutdowner Shutdowner
	metrics    *Metrics

	name            string
	uuid            string
	pollInterval    time.Duration
	pingInterval    time.Duration
	shutdownTimeout time.Duration
	supOpts         []process.Option

	// mu serializes diff ticks against command dispatch.
	mu        sync.Mutex
	publisher *publisher
	commands  *commandServer
}

type Option func(l *Launcher)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Launcher) {
		l.log = log.Named("launcher")
	}
}

// WithPollInterval sets the period of the state diff tick.
func WithPollInterval(d time.Duration) Option {
	return func(l *Launcher) {
		l.pollInterval = d
	}
}

// WithPingInterval sets the keepalive ping period. Zero or less disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(l *Launcher) {
		l.pingInterval = d
	}
}

func WithRegistrar(r discovery.Registrar) Option {
	return func(l *Launcher) {
		l.registrar = r
	}
}

func WithShutdowner(s Shutdowner) Option {
	return func(l *Launcher) {
		l.shutdowner = s
	}
}

// WithShutdownTimeout bounds a system shutdown request. The command socket serves nothing
// else while one is in progress.
func WithShutdownTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.shutdownTimeout = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Launcher) {
		l.metrics = m
	}
}

// WithName sets the display name used in service advertisements.
func WithName(name string) Option {
	return func(l *Launcher) {
		l.name = name
	}
}

// WithUUID sets the instance id used in service advertisements.
func WithUUID(id string) Option {
	return func(l *Launcher) {
		l.uuid = id
	}
}

func WithSupervisorOptions(opts ...process.Option) Option {
	return func(l *Launcher) {
		l.supOpts = append(l.supOpts, opts...)
	}
}

// New wires the supervisor, the state store, and both sockets. The sockets stay owned by
// the caller.
func New(catalog *launcher.Catalog, pub transport.PubSocket, router transport.RouterSocket, opts ...Option) (*Launcher, error) {
	l := &Launcher{
		log:          zap.NewNop().Sugar(),
		catalog:      catalog,
		pub:          pub,
		router:       router,
		shutdowner:   NoShutdowner{},
		name:         "Machinekit Launcher",
		uuid:         uuid.NewString(),
		pollInterval:    DefaultPollInterval,
		pingInterval:    DefaultPingInterval,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	if l.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", l.pollInterval)
	}
	if l.shutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown timeout must be positive, got %s", l.shutdownTimeout)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("")
	}
	if l.registrar == nil {
		l.registrar = discovery.NewLogRegistrar(l.log)
	}

	l.sup = process.NewSupervisor(catalog, append([]process.Option{process.WithLogger(l.log)}, l.supOpts...)...)
	keepalive := l.pingInterval
	if keepalive < 0 {
		keepalive = 0
	}
	l.store = state.NewStore(catalog, l.sup,
		state.WithLogger(l.log),
		state.WithKeepalive(keepalive),
		state.WithOnExit(func(index, returnCode int) {
			def, _ := catalog.Get(index)
			l.metrics.exits.WithLabelValues(def.Name).Inc()
			l.log.Infow("process exited", "Index", index, "Name", def.Name, "ReturnCode", returnCode)
		}),
	)
	l.publisher = &publisher{
		log:       l.log.Named("publisher"),
		pub:       pub,
		store:     l.store,
		metrics:   l.metrics,
		pingRatio: PingRatio(l.pollInterval, l.pingInterval),
	}
	l.commands = &commandServer{
		log:             l.log.Named("commands"),
		mu:              &l.mu,
		router:          router,
		catalog:         catalog,
		sup:             l.sup,
		shutdowner:      l.shutdowner,
		shutdownTimeout: l.shutdownTimeout,
		metrics:         l.metrics,
	}
	return l, nil
}

// PingRatio is the number of diff ticks between two keepalive pings, 0 when pings are
// disabled.
func PingRatio(poll, ping time.Duration) int {
	if ping <= 0 || poll <= 0 {
		return 0
	}
	ratio := int(math.Round(float64(ping) / float64(poll)))
	if ratio < 1 {
		ratio = 1
	}
	return ratio
}

func (l *Launcher) Supervisor() *process.Supervisor { return l.sup }
func (l *Launcher) Store() *state.Store             { return l.store }

func (l *Launcher) services() []discovery.Service {
	pub, cmd := l.pub.Endpoint(), l.router.Endpoint()
	return []discovery.Service{
		{Type: discovery.TypeLauncher, Name: l.name, Host: pub.Host, Port: pub.Port, DSN: pub.DSN, UUID: l.uuid},
		{Type: discovery.TypeLauncherCommand, Name: l.name, Host: cmd.Host, Port: cmd.Port, DSN: cmd.DSN, UUID: l.uuid},
	}
}

// Run advertises the service and serves until ctx is done. On the way out every
// supervised process is sent SIGTERM; exits are not awaited.
func (l *Launcher) Run(ctx context.Context) error {
	var registered []discovery.Service
	for _, svc := range l.services() {
		if err := l.registrar.Register(svc); err != nil {
			l.deregister(registered)
			return fmt.Errorf("registering %s service: %w", svc.Type, err)
		}
		registered = append(registered, svc)
	}
	defer l.deregister(registered)

	l.log.Infow("launcher running", "Name", l.name, "Launchers", l.catalog.Len(), "Poll", l.pollInterval, "Ping", l.pingInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.socketLoop(gctx) })
	g.Go(func() error { return l.timerLoop(gctx) })
	err := g.Wait()

	if termErr := l.sup.TerminateAll(); termErr != nil {
		l.log.Warnw("terminating processes", "Error", termErr)
	}
	l.log.Info("launcher stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Launcher) deregister(services []discovery.Service) {
	for _, svc := range services {
		if err := l.registrar.Deregister(svc); err != nil {
			l.log.Warnw("deregistering service", "Type", svc.Type, "Error", err)
		}
	}
}

func (l *Launcher) socketLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-l.pub.Subscriptions():
			if !ok {
				return errors.New("publish socket closed")
			}
			l.mu.Lock()
			l.publisher.handleSubscription(sub)
			l.mu.Unlock()
		case req, ok := <-l.router.Requests():
			if !ok {
				return errors.New("command socket closed")
			}
			l.commands.handle(ctx, req)
		}
	}
}

func (l *Launcher) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		l.tick()
	}
}

func (l *Launcher) tick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := time.Now()
	l.publisher.tick()
	l.metrics.diffDuration.Observe(time.Since(start).Seconds())
	l.metrics.activeSessions.Set(float64(len(l.sup.Active())))
}
