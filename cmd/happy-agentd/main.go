// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/happyagent/config"
	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/pkg/connstate"
	"github.com/sage-x-project/happyagent/pkg/credentials"
	"github.com/sage-x-project/happyagent/pkg/httpapi"
	"github.com/sage-x-project/happyagent/pkg/machine"
)

var (
	serverURL string
	homeDir   string
)

var rootCmd = &cobra.Command{
	Use:   "happy-agentd",
	Short: "happyagent daemon - manual smoke-testing entrypoint for the client core",
	Long: `happy-agentd is a thin demonstrator around the session/machine sync
clients: it loads local credentials, registers this machine, and holds the
machine-scoped socket open so the update/liveness/RPC protocol can be
exercised by hand. It contains no protocol logic of its own.`,
	RunE: runDaemon,
}

func main() {
	rootCmd.Flags().StringVar(&serverURL, "server-url", "", "sync/bootstrap server base URL (default: config/env)")
	rootCmd.Flags().StringVar(&homeDir, "home-dir", "", "credentials and local state directory (default: config/env)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("happy-agentd: load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if homeDir != "" {
		cfg.HomeDir = homeDir
	}

	log := logger.GetDefaultLogger()
	log.SetLevel(parseLevel(cfg.Logging.Level))

	creds, err := credentials.LoadFrom(filepath.Join(cfg.HomeDir, "agent.key"))
	if err != nil {
		return fmt.Errorf("happy-agentd: load credentials: %w", err)
	}

	encCtx, err := credentials.ResolveMachineEncryption(creds)
	if err != nil {
		return fmt.Errorf("happy-agentd: resolve machine encryption: %w", err)
	}

	httpClient := httpapi.New(cfg.ServerURL, creds.Token)

	hostname, _ := os.Hostname()
	initMeta, err := encCtx.Encrypt(machine.MachineMetadata{})
	if err != nil {
		return fmt.Errorf("happy-agentd: encrypt initial metadata: %w", err)
	}
	initDaemon, err := encCtx.Encrypt(machine.DaemonState{Status: machine.DaemonStatusRunning})
	if err != nil {
		return fmt.Errorf("happy-agentd: encrypt initial daemon state: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	record, err := httpClient.RegisterMachine(ctx, httpapi.RegisterMachineRequest{
		ID:                hostname,
		Metadata:          initMeta,
		DaemonState:       initDaemon,
		DataEncryptionKey: nil,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("happy-agentd: register machine: %w", err)
	}

	conn := connstate.NewMachine()
	conn.Subscribe(func(s connstate.State) {
		log.Info("connection state changed", logger.ConnState(s))
	})

	mc := machine.New(creds, encCtx, conn, record.ID, record.MetadataVersion, record.DaemonStateVersion,
		machine.WithInitialMetadata(record.Metadata), machine.WithInitialDaemonState(record.DaemonState), machine.WithLogger(log))

	if err := mc.RegisterSpawnHandler(func(p machine.SpawnSessionParams) (json.RawMessage, error) {
		log.Info("spawn-happy-session requested", logger.String("directory", p.Directory))
		return nil, fmt.Errorf("happy-agentd: spawning sessions is not implemented in this demonstrator")
	}); err != nil {
		return fmt.Errorf("happy-agentd: register spawn handler: %w", err)
	}
	if err := mc.RegisterStopSessionHandler(func(p machine.StopSessionParams) (json.RawMessage, error) {
		log.Info("stop-session requested", logger.SessionID(p.SessionID))
		return nil, nil
	}); err != nil {
		return fmt.Errorf("happy-agentd: register stop-session handler: %w", err)
	}
	if err := mc.RegisterStopDaemonHandler(func(p machine.StopDaemonParams) (json.RawMessage, error) {
		log.Info("stop-daemon requested", logger.String("source", p.Source))
		return nil, nil
	}); err != nil {
		return fmt.Errorf("happy-agentd: register stop-daemon handler: %w", err)
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mc.Connect(runCtx, cfg.ServerURL, nil); err != nil {
		return fmt.Errorf("happy-agentd: connect machine socket: %w", err)
	}
	log.Info("happy-agentd connected", logger.MachineID(mc.MachineID()), logger.String("serverUrl", cfg.ServerURL))

	<-runCtx.Done()
	log.Info("happy-agentd shutting down")
	return mc.Close()
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	case "fatal":
		return logger.FatalLevel
	default:
		return logger.InfoLevel
	}
}
