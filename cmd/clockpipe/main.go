// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command clockpipe replicates a PostgreSQL or MongoDB source into a
// ClickHouse target.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/myyrakle/clockpipe/internal/app"
	"github.com/myyrakle/clockpipe/internal/config"
	"github.com/myyrakle/clockpipe/internal/types"
	"github.com/myyrakle/clockpipe/internal/util/stopper"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "clockpipe",
		Short: "Replicate a PostgreSQL or MongoDB source into ClickHouse",
	}
	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication pipeline until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config-file", "", "path to the JSON configuration document")
	cmd.MarkFlagRequired("config-file")
	return cmd
}

func runPipeline(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configError{err}
	}
	if err := cfg.Preflight(); err != nil {
		return configError{err}
	}

	sctx := stopper.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, draining")
		sctx.Stop(shutdownGrace)
	}()

	if err := app.RunForever(sctx, cfg); err != nil {
		return err
	}
	return nil
}

// configError marks an error as a configuration problem, which exits
// with a different status than a fatal runtime state so that process
// supervisors can tell "fix the config file" apart from "operator
// intervention needed" (a lost slot or resume token, a primary-key
// conflict on an existing target table).
type configError struct{ cause error }

func (e configError) Error() string { return e.cause.Error() }
func (e configError) Unwrap() error { return e.cause }

const (
	exitConfig = 1
	exitFatal  = 2
)

func exitCodeFor(err error) int {
	var cfgErr configError
	if errors.As(err, &cfgErr) || errors.Is(err, types.ErrConfig) {
		return exitConfig
	}
	return exitFatal
}
