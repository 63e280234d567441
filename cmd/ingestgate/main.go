/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command ingestgate runs the telemetry ingestion gateway.
package main

import (
	"fmt"
	golog "log"
	"os"

	"github.com/spf13/pflag"

	"github.com/acronis/go-ingestgate/internal/version"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/service"
)

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		golog.Fatal(err)
	}
}

func runApp(args []string) error {
	flags := pflag.NewFlagSet("ingestgate", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the configuration file (YAML or JSON)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	logger.Info("starting ingestion gateway", log.String("version", version.Get()))

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	return service.New(logger, app).Start()
}
