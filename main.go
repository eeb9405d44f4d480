package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/courierd/courier/internal"
	"github.com/courierd/courier/pkg/logger"
)

var log = logger.Get("Main")

type Args struct {
	Config  string `arg:"-c,--config" help:"path to the YAML configuration file"`
	Verbose bool   `arg:"-v,--verbose" help:"enable verbose (debug) logging"`
}

func (Args) Description() string {
	return "courier - a background daemon for file transfers, media downloads and directory organizing"
}

// main is the entry point to the program. The users Courier configuration
// is loaded (from the path provided, or the default location), following
// which the daemon runs until an interrupt is received.
func main() {
	var args Args
	arg.MustParse(&args)

	if args.Verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	} else {
		logger.SetMinLoggingLevel(logger.INFO.Level())
	}

	config := internal.CourierConfig{}
	configPath := args.Config
	if configPath == "" {
		configPath = internal.DefaultConfigPath()
		if _, err := os.Stat(configPath); err != nil {
			log.Emit(logger.INFO, "No config file found at %s, continuing with environment/defaults\n", configPath)
			configPath = ""
		}
	}

	if configPath != "" {
		if err := config.LoadFromFile(configPath); err != nil {
			log.Emit(logger.FATAL, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.LoadFromEnv(); err != nil {
		log.Emit(logger.FATAL, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-exitChannel
		log.Emit(logger.INFO, "Interrupt detected!\n")
		cancel()
	}()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Courier stopped due to error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Courier shutdown complete\n")
}
