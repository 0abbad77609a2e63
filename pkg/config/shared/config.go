package shared

import "github.com/spf13/pflag"

type Server struct {
	Address  string
	Https    bool
	PortRoll bool
	Tls      struct {
		Address   string
		Domain    string
		HttpsKey  string
		HttpsCert string
		CertCache string
	}
}

func (s *Server) WithFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.Address, "address", s.Address, "HTTP server address (host:port)")
	fs.BoolVar(&s.Https, "https", s.Https, "Use HTTPS")
	fs.StringVar(&s.Tls.HttpsKey, "httpsKey", s.Tls.HttpsKey, "HTTPS key")
	fs.StringVar(&s.Tls.HttpsCert, "httpsCert", s.Tls.HttpsCert, "HTTPS chain")
	fs.StringVar(&s.Tls.Domain, "httpsDomain", s.Tls.Domain, "HTTPS domain for the automatic certificates")
	fs.BoolVar(&s.PortRoll, "portRoll", s.PortRoll, "Take the next free port when the address is busy")
}

type Logging struct {
	Debug   bool
	Console bool
	NoColor bool
}

func (l *Logging) WithFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&l.Debug, "debug", l.Debug, "Verbose logs")
	fs.BoolVar(&l.Console, "console", l.Console, "Human readable logs")
}
