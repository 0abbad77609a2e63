// Package coordinator is the signaling server of the exam rooms.
//
// A participant connects to /ws/{room} and joins with its id and role,
// then the hub routes its messages to one participant (to) or to the rest
// of the room. Incidents are escalated, archived and passed on.
// In the relay topology the media negotiation addressed to the server
// goes to the built-in forwarding unit.
package coordinator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/examwatch/proctor/pkg/config/coordinator"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/monitoring"
	"github.com/examwatch/proctor/pkg/network/httpx"
	"github.com/examwatch/proctor/pkg/relay"
	"github.com/examwatch/proctor/pkg/service"
	"github.com/examwatch/proctor/pkg/webrtc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

type Coordinator struct {
	hub       *Hub
	archive   Archive
	relay     *relay.Relay
	transport *webrtc.Transport
	server    *httpx.Server
	services  service.Group
	log       *logger.Logger
}

// New makes the coordinator with all its services, call Start to serve.
func New(ctx context.Context, conf coordinator.Config, log *logger.Logger) (*Coordinator, error) {
	c := conf.Coordinator
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	archive, err := newArchive(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("incident archive: %T", archive)

	hub := NewHub(
		WithAuth(NewAuth(c.Auth.Secret)),
		WithArchive(archive),
		WithMetrics(NewMetrics(reg)),
		WithLogger(log),
	)
	co := &Coordinator{hub: hub, archive: archive, log: log}

	if c.IsRelay() {
		counter, err := webrtc.NewCounter(reg, "proctor_relay")
		if err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("relay metrics: %w", err)
		}
		factory, err := webrtc.NewTransport(conf.Webrtc, log, webrtc.WithCounter(counter))
		if err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("relay: %w", err)
		}
		co.transport = factory
		co.relay = relay.New(factory, hub.Send, log)
		hub.SetRelay(co.relay)
	}

	address := c.Server.Address
	if c.Server.Https {
		address = c.Server.Tls.Address
	}
	co.server, err = httpx.NewServer(
		address,
		func(*httpx.Server) http.Handler { return hub.Routes() },
		httpx.WithServerConfig(c.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		_ = co.close()
		return nil, fmt.Errorf("http: %w", err)
	}
	co.services.Add(co.server)

	sweeper, err := NewSweeper(hub, c.Sweep.Schedule, c.Sweep.IdleAfter, log)
	if err != nil {
		_ = co.close()
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	co.services.Add(sweeper)

	if c.Monitoring.IsEnabled() {
		mon, err := monitoring.New(c.Monitoring, reg, log)
		if err != nil {
			_ = co.close()
			return nil, fmt.Errorf("monitoring: %w", err)
		}
		co.services.Add(mon)
	}
	return co, nil
}

func newArchive(ctx context.Context, c coordinator.Coordinator) (Archive, error) {
	conf := c.Archive
	if conf.Redis.Addr == "" {
		return NewMemoryArchive(conf.Limit), nil
	}
	return NewRedisArchive(ctx, &redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	}, conf.Redis.Prefix, conf.Limit)
}

func (c *Coordinator) Start() {
	c.log.Info().Str("mode", c.hub.Mode()).Msgf("coordinator is listening on %v", c.server.Addr)
	c.services.Start()
}

func (c *Coordinator) Addr() string { return c.server.Addr }

func (c *Coordinator) Hub() *Hub { return c.hub }

// Shutdown stops the services in the reverse order, then drops the connections.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := c.services.Shutdown(ctx)
	c.hub.Close()
	if cerr := c.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Coordinator) close() error {
	if c.relay != nil {
		_ = c.relay.Close()
		_ = c.transport.Close()
	}
	return c.archive.Close()
}

var _ Relay = (*relay.Relay)(nil)
