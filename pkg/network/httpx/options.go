package httpx

import (
	"time"

	"github.com/examwatch/proctor/pkg/config/shared"
	"github.com/examwatch/proctor/pkg/logger"
)

type Options struct {
	Https       bool
	HttpsCert   string
	HttpsKey    string
	HttpsDomain string
	// CertCache keeps the issued certificates between restarts.
	CertCache string
	PortRoll  bool

	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration

	Logger *logger.Logger
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		CertCache:         "certs",
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// managedCert is true when no certificate files are given and
// the certificates come from Let's Encrypt.
func (o *Options) managedCert() bool { return o.HttpsCert == "" || o.HttpsKey == "" }

func (o *Options) scheme() string {
	if o.Https {
		return "https"
	}
	return "http"
}

func WithPortRoll(roll bool) Option        { return func(o *Options) { o.PortRoll = roll } }
func WithLogger(log *logger.Logger) Option { return func(o *Options) { o.Logger = log } }

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(o *Options) {
		o.ReadTimeout, o.WriteTimeout, o.IdleTimeout = read, write, idle
	}
}

func WithServerConfig(conf shared.Server) Option {
	return func(o *Options) {
		o.Https = conf.Https
		o.HttpsCert = conf.Tls.HttpsCert
		o.HttpsKey = conf.Tls.HttpsKey
		o.HttpsDomain = conf.Tls.Domain
		if conf.Tls.CertCache != "" {
			o.CertCache = conf.Tls.CertCache
		}
		o.PortRoll = conf.PortRoll
	}
}
