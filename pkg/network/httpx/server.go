package httpx

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/network/socket"
	"golang.org/x/crypto/acme/autocert"
)

// Server is bound to its port on creation, so Addr and Port
// are known before it serves anything.
type Server struct {
	http.Server

	opts     Options
	listener net.Listener
	certs    *autocert.Manager
	log      *logger.Logger
}

// NewServer binds the address and builds the handler. An empty
// address means the default port of the scheme.
func NewServer(address string, handler func(*Server) http.Handler, options ...Option) (*Server, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	bind := address
	if bind == "" {
		bind = ":" + opts.scheme()
		log.Warn().Msgf("no server address, using %v", bind)
	}
	ls, err := socket.ListenTCP(bind, opts.PortRoll)
	if err != nil {
		return nil, fmt.Errorf("listen %v: %w", bind, err)
	}

	s := &Server{
		Server: http.Server{
			Addr:              publicAddr(address, socket.Port(ls.Addr())),
			IdleTimeout:       opts.IdleTimeout,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
		},
		opts:     opts,
		listener: ls,
		log:      log,
	}
	if opts.Https && opts.managedCert() {
		s.certs = &autocert.Manager{
			Prompt: autocert.AcceptTOS,
			Cache:  autocert.DirCache(opts.CertCache),
		}
		if opts.HttpsDomain != "" {
			s.certs.HostPolicy = autocert.HostWhitelist(opts.HttpsDomain)
		}
		s.TLSConfig = s.certs.TLSConfig()
	}
	s.Handler = handler(s)
	log.Debug().Str("addr", s.Addr).Str("scheme", opts.scheme()).Msg("server is bound")
	return s, nil
}

// Run serves in the background until Shutdown.
func (s *Server) Run() {
	go func() {
		var err error
		if s.opts.Https {
			err = s.ServeTLS(s.listener, s.opts.HttpsCert, s.opts.HttpsKey)
		} else {
			err = s.Serve(s.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", s.Addr).Msg("server has stopped")
		}
	}()
}

func (s *Server) Port() int { return socket.Port(s.listener.Addr()) }

func (s *Server) Scheme() string { return s.opts.scheme() }

// URL is the base URL of the server.
func (s *Server) URL() string { return s.Scheme() + "://" + s.Addr }

func (s *Server) String() string { return s.Scheme() + " " + s.Addr }

// publicAddr puts the bound port on the configured host, the default
// ports of http and https are left out.
// With host exam.io:8000 bound to 8001 it is exam.io:8001.
func publicAddr(address string, port int) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "" {
		host = "localhost"
	}
	if port > 0 && port != 80 && port != 443 {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	return host
}
