package main

import (
	"context"
	goos "os"
	"time"

	"github.com/examwatch/proctor/pkg/config"
	conf "github.com/examwatch/proctor/pkg/config/coordinator"
	"github.com/examwatch/proctor/pkg/coordinator"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/os"
	flag "github.com/spf13/pflag"
)

var Version = "?"

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := conf.NewConfig(config.ConfigPath(goos.Args[1:]))
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	config.WithConfigFlag(flag.CommandLine)
	c.WithFlags(flag.CommandLine)
	flag.Parse()

	log := logger.Setup(c.Coordinator.Logging, "c")
	log.Info().Msgf("version %s", Version)
	if log.IsDebug() {
		log.Debug().Msgf("config: %+v", c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	co, err := coordinator.New(ctx, c, log)
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator")
	}
	co.Start()

	<-os.ExpectTermination()
	sctx, scancel := context.WithTimeout(ctx, shutdownTimeout)
	defer scancel()
	if err := co.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
