/*
Copyright 2024 The Drainhold Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahoma/drainhold/internal/config"
	"github.com/ahoma/drainhold/pkg/logging"
	"github.com/ahoma/drainhold/pkg/operator"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cfg := &config.Config{}
	cfg.BindFlags(flag.CommandLine)
	showVersion := flag.Bool("version", false, "Show version information and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Drainhold Controller\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to set up logging: %v\n", err)
		os.Exit(1)
	}

	setupLog := logger.WithName("setup")
	setupLog.Info("starting drainhold controller",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"namespace", cfg.Namespace,
		"metrics-addr", cfg.MetricsAddr,
		"webhook-port", cfg.WebhookPort,
		"delete-after", cfg.DeleteAfter,
		"log-level", cfg.LogLevel,
	)

	op, err := operator.New(cfg, logger)
	if err != nil {
		setupLog.Error(err, "failed to create operator")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := op.Start(ctx); err != nil {
		setupLog.Error(err, "failed to run operator")
		os.Exit(1)
	}

	setupLog.Info("operator stopped")
}
