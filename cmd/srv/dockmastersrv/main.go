package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/homelab-tools/dockmaster/pkg/logging"
	"github.com/homelab-tools/dockmaster/pkg/server"
)

type flagOptions struct {
	Config   string `long:"config" description:"path to the YAML configuration file" required:"true"`
	Validate bool   `long:"validate" description:"validate the configuration file and exit"`
	LogLevel string `long:"log-level" description:"override the configured log level"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := server.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	level := opts.LogLevel
	if level == "" {
		if config, err := server.LoadConfigFromFile(opts.Config); err == nil {
			level = config.Server.LogLevel
		}
	}

	logger, err := logging.NewZapLogger(level)
	if err != nil {
		fmt.Printf("Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := server.Run(opts.Config, logger); err != nil {
		logger.Errorf("Dockmaster failed: %v", err)
		os.Exit(1)
	}
}
