package main

import (
	"context"
	goos "os"

	"github.com/examwatch/proctor/pkg/agent"
	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/config"
	conf "github.com/examwatch/proctor/pkg/config/agent"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/os"
	"github.com/examwatch/proctor/pkg/track"
	"github.com/examwatch/proctor/pkg/webrtc"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	c, err := conf.NewConfig(config.ConfigPath(goos.Args[1:]))
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	config.WithConfigFlag(flag.CommandLine)
	c.WithFlags(flag.CommandLine)
	flag.Parse()

	log := logger.Setup(c.Agent.Logging, "a")
	log.Info().Msgf("version %s", Version)

	transport, err := webrtc.NewTransport(c.Webrtc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc")
	}
	deps := agent.Deps{
		Transport: transport,
		OnBindings: func(peer string, b track.Bindings) {
			log.Info().Str("peer", peer).
				Bool("camera", b.Camera != nil).
				Bool("screen", b.Screen != nil).
				Bool("audio", b.Audio != nil).
				Msg("render targets")
		},
	}
	if api.Role(c.Agent.Role) == api.Candidate {
		// no capture backend is built in
		log.Warn().Msg("using synthetic capture devices")
		meter := media.NewMeter(48000)
		deps.Devices = media.Synthetic{Meter: meter}
		deps.Energy = meter
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := agent.New(ctx, c.Agent, deps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("agent")
	}
	if err = p.Start(ctx); err != nil {
		_ = p.Close()
		log.Fatal().Err(err).Msg("start")
	}

	<-os.ExpectTermination()
	if err := p.Close(); err != nil {
		log.Error().Err(err).Msg("close")
	}
	_ = transport.Close()
	if t := p.Timeline(); t != nil {
		for _, inc := range t.Sorted() {
			log.Info().
				Str(logger.UserField, inc.ActorID).
				Str(logger.TagField, string(inc.Tag)).
				Str("level", string(inc.Level)).
				Int("repeats", inc.EscalationCount).
				Time("ts", inc.Timestamp).
				Msg(inc.Note)
		}
	}
}
