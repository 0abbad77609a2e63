// Package monitoring serves the prometheus metrics and pprof of a service
// on a separate port.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/examwatch/proctor/pkg/config/monitoring"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/network/httpx"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var profiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

type Monitoring struct {
	conf   monitoring.Config
	server *httpx.Server
	log    *logger.Logger
}

// New binds the monitoring port, the next free one when it is busy.
// Metrics come from the gatherer or prometheus.DefaultGatherer.
func New(conf monitoring.Config, gatherer prometheus.Gatherer, log *logger.Logger) (*Monitoring, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Default()
	}
	m := &Monitoring{conf: conf, log: log}
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(*httpx.Server) http.Handler { return m.routes(gatherer) },
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	m.server = serv
	return m, nil
}

func (m *Monitoring) routes(gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	if m.conf.MetricEnabled {
		r.Handle(m.conf.MetricsPath(), promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if m.conf.ProfilingEnabled {
		base := m.conf.ProfilePath()
		r.HandleFunc(base+"/", pprof.Index)
		r.HandleFunc(base+"/cmdline", pprof.Cmdline)
		r.HandleFunc(base+"/profile", pprof.Profile)
		r.HandleFunc(base+"/symbol", pprof.Symbol)
		r.HandleFunc(base+"/trace", pprof.Trace)
		// the index finds the named profiles only under /debug/pprof/
		for _, name := range profiles {
			r.Handle(base+"/"+name, pprof.Handler(name))
		}
	}
	return r
}

func (m *Monitoring) Run() {
	ev := m.log.Info()
	if m.conf.MetricEnabled {
		ev = ev.Str("metrics", m.server.URL()+m.conf.MetricsPath())
	}
	if m.conf.ProfilingEnabled {
		ev = ev.Str("pprof", m.server.URL()+m.conf.ProfilePath())
	}
	ev.Msg("monitoring")
	m.server.Run()
}

// URL is the base URL of the monitoring server.
func (m *Monitoring) URL() string { return m.server.URL() }

func (m *Monitoring) Shutdown(ctx context.Context) error { return m.server.Shutdown(ctx) }

func (m *Monitoring) String() string { return "monitoring " + m.server.Addr }
