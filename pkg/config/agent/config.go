package agent

import (
	"time"

	"github.com/examwatch/proctor/pkg/config"
	"github.com/examwatch/proctor/pkg/config/shared"
	"github.com/examwatch/proctor/pkg/config/webrtc"
	"github.com/spf13/pflag"
)

type Config struct {
	Agent  Agent
	Webrtc webrtc.Webrtc
}

type Agent struct {
	Logging     shared.Logging
	Coordinator string `default:"http://localhost:8000"`
	Room        string
	User        string
	Role        string `default:"proctor"`
	Token       string
	Connect     struct {
		Retries int           `default:"3"`
		Timeout time.Duration `default:"5s"`
		Backoff time.Duration `default:"1s"`
	}
	Detectors Detectors
	Incidents struct {
		DedupWindow time.Duration `default:"10s"`
	}
	Recorder Recorder
}

type Detectors struct {
	Face struct {
		Interval    time.Duration `default:"1s"`
		NoFaceAfter time.Duration `default:"30s"`
	}
	Speech struct {
		Interval  time.Duration `default:"200ms"`
		Threshold float64       `default:"0.05"`
		Sustain   time.Duration `default:"30s"`
	}
	Text struct {
		Interval  time.Duration `default:"6s"`
		Blacklist string
		Words     []string
		Lang      string `default:"eng"`
		MaxWidth  int    `default:"1280"`
		MaxHeight int    `default:"720"`
	}
	Focus struct {
		Cooldown time.Duration `default:"5s"`
	}
}

type Recorder struct {
	Chunk time.Duration `default:"1s"`
	Sink  struct {
		// Kind is one of none, file, gcs, http.
		Kind   string `default:"none"`
		Dir    string `default:"recordings"`
		Bucket string
		URL    string
	}
}

func NewConfig(path string) (conf Config, err error) {
	if err = config.Load(&conf, path); err != nil {
		return
	}
	err = conf.Webrtc.MergeIceEnv()
	return
}

func (c *Config) WithFlags(fs *pflag.FlagSet) {
	c.Agent.Logging.WithFlags(fs)
	fs.StringVar(&c.Agent.Coordinator, "coordinator", c.Agent.Coordinator, "Coordinator address")
	fs.StringVar(&c.Agent.Room, "room", c.Agent.Room, "Exam room id")
	fs.StringVar(&c.Agent.User, "user", c.Agent.User, "User id")
	fs.StringVar(&c.Agent.Role, "role", c.Agent.Role, "Participant role: [candidate, proctor]")
	fs.StringVar(&c.Agent.Token, "token", c.Agent.Token, "Join token")
	fs.StringVar(&c.Agent.Recorder.Sink.Kind, "sink", c.Agent.Recorder.Sink.Kind, "Recording sink: [none, file, gcs, http]")
}
