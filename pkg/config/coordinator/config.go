package coordinator

import (
	"time"

	"github.com/examwatch/proctor/pkg/config"
	"github.com/examwatch/proctor/pkg/config/monitoring"
	"github.com/examwatch/proctor/pkg/config/shared"
	"github.com/examwatch/proctor/pkg/config/webrtc"
	"github.com/spf13/pflag"
)

type Config struct {
	Coordinator Coordinator
	Webrtc      webrtc.Webrtc
}

type Coordinator struct {
	Server     shared.Server
	Logging    shared.Logging
	Monitoring monitoring.Config
	// Topology is either p2p or relay.
	Topology string `default:"p2p"`
	Auth     struct {
		// Secret is the HMAC key of join tokens, no secret means no auth.
		Secret string
	}
	Archive struct {
		Limit int `default:"1000"`
		Redis struct {
			Addr     string
			Password string
			DB       int
			Prefix   string `default:"proctor:incidents:"`
		}
	}
	Sweep struct {
		Schedule  string        `default:"@every 1m"`
		IdleAfter time.Duration `default:"1h"`
	}
}

const (
	P2P   = "p2p"
	Relay = "relay"
)

func (c *Coordinator) IsRelay() bool { return c.Topology == Relay }

// NewConfig returns the coordinator config loaded from the file and the environment.
func NewConfig(path string) (conf Config, err error) {
	if err = config.Load(&conf, path); err != nil {
		return
	}
	err = conf.Webrtc.MergeIceEnv()
	return
}

func (c *Config) WithFlags(fs *pflag.FlagSet) {
	c.Coordinator.Server.WithFlags(fs)
	c.Coordinator.Logging.WithFlags(fs)
	fs.StringVar(&c.Coordinator.Topology, "topology", c.Coordinator.Topology, "Media topology: [p2p, relay]")
	fs.StringVar(&c.Coordinator.Archive.Redis.Addr, "redis", c.Coordinator.Archive.Redis.Addr, "Redis address of the incident archive")
}
