// Package discovery advertises the launcher's sockets so that clients can find them.
package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.uber.org/zap"
)

const (
	TypeLauncher        = "launcher"
	TypeLauncherCommand = "launchercmd"
)

var ErrNotRegistered = errors.New("service not registered")

// Service is one advertised endpoint.
type Service struct {
	Type string
	// Name is the human readable display name, e.g. "Machinekit Launcher on 10.0.0.2".
	Name string
	Host string
	Port int
	DSN  string
	UUID string
}

func (s Service) key() string { return s.Type + "/" + s.UUID }

// Metadata returns the advertisement as flat key/value pairs.
func (s Service) Metadata() map[string]string {
	return map[string]string{
		"type": s.Type,
		"name": s.Name,
		"host": s.Host,
		"port": strconv.Itoa(s.Port),
		"dsn":  s.DSN,
		"uuid": s.UUID,
	}
}

type Registrar interface {
	Register(svc Service) error
	Deregister(svc Service) error
}

// LogRegistrar only logs advertisements. It is used where no discovery backend is
// reachable and clients are configured with the DSN directly.
type LogRegistrar struct {
	log *zap.SugaredLogger
}

func NewLogRegistrar(log *zap.SugaredLogger) *LogRegistrar {
	return &LogRegistrar{log: log.Named("discovery")}
}

func (r *LogRegistrar) Register(svc Service) error {
	r.log.Infow("registered service", "Type", svc.Type, "Name", svc.Name, "DSN", svc.DSN, "UUID", svc.UUID)
	return nil
}

func (r *LogRegistrar) Deregister(svc Service) error {
	r.log.Infow("deregistered service", "Type", svc.Type, "DSN", svc.DSN)
	return nil
}

// MicroRegistrar advertises every service as a NATS micro service named after its type,
// with the advertisement attached as metadata. Clients find launchers with the $SRV.INFO
// discovery requests.
type MicroRegistrar struct {
	log     *zap.SugaredLogger
	nc      *nats.Conn
	version string

	mu       sync.Mutex
	services map[string]micro.Service
}

func NewMicroRegistrar(log *zap.SugaredLogger, nc *nats.Conn, version string) *MicroRegistrar {
	return &MicroRegistrar{
		log:      log.Named("discovery"),
		nc:       nc,
		version:  version,
		services: map[string]micro.Service{},
	}
}

func (r *MicroRegistrar) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.key()]; ok {
		return fmt.Errorf("service %s already registered", svc.key())
	}
	s, err := micro.AddService(r.nc, micro.Config{
		Name:        svc.Type,
		Version:     r.version,
		Description: svc.Name,
		Metadata:    svc.Metadata(),
	})
	if err != nil {
		return fmt.Errorf("adding micro service %s: %w", svc.Type, err)
	}
	r.services[svc.key()] = s
	r.log.Infow("registered service", "Type", svc.Type, "Name", svc.Name, "DSN", svc.DSN, "ID", s.Info().ID)
	return nil
}

func (r *MicroRegistrar) Deregister(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[svc.key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, svc.key())
	}
	delete(r.services, svc.key())
	if err := s.Stop(); err != nil {
		return fmt.Errorf("stopping micro service %s: %w", svc.Type, err)
	}
	r.log.Infow("deregistered service", "Type", svc.Type, "DSN", svc.DSN)
	return nil
}
