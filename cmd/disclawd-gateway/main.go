// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command disclawd-gateway runs the realtime ingestion gateway for one or
// more Disclawd accounts and writes the normalized events as NDJSON on
// stdout. Logs go to stderr. The send subcommand delivers a message through
// the same chunking and rate-limit machinery the gateway uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/disclawd/openclaw-disclawd/pkg/connector"
	"github.com/disclawd/openclaw-disclawd/pkg/normalize"
	"github.com/disclawd/openclaw-disclawd/pkg/ratelimit"
	"github.com/disclawd/openclaw-disclawd/pkg/rest"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool
	var pretty bool

	cmd := &cobra.Command{
		Use:   "disclawd-gateway",
		Short: "Realtime ingestion gateway for Disclawd accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, debug, pretty)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable log output")

	cmd.AddCommand(
		newSendCommand(&configPath, &debug, &pretty),
		newVersionCommand(),
		newExampleConfigCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("disclawd-gateway %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the annotated example configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Print(connector.ExampleConfig)
		},
	}
}

func newSendCommand(configPath *string, debug, pretty *bool) *cobra.Command {
	var account string
	var channelID string
	var threadID string

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a channel or thread",
		Long:  "Send a message as one of the configured accounts. With no text argument the message body is read from stdin. Long texts are chunked the same way the gateway chunks them.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return send(cmd.Context(), *configPath, *debug, *pretty, account, connector.SendTarget{
				ChannelID: channelID,
				ThreadID:  threadID,
			}, text)
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "Account name (defaults to the first configured account)")
	cmd.Flags().StringVar(&channelID, "channel", "", "Target channel id")
	cmd.Flags().StringVar(&threadID, "thread", "", "Target thread id (takes precedence over --channel)")
	return cmd
}

func messageText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read message from stdin: %w", err)
	}
	return string(data), nil
}

func run(ctx context.Context, configPath string, debug, pretty bool) error {
	log := buildLogger(debug, pretty)

	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Events from all accounts interleave on stdout; the encoder is shared so
	// lines never tear.
	var outMu sync.Mutex
	out := json.NewEncoder(os.Stdout)
	emit := func(evt *normalize.Event) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := out.Encode(evt); err != nil {
			log.Error().Err(err).Msg("Failed to write event")
		}
	}

	var gateways []*connector.Gateway
	for _, acct := range cfg.AllAccounts() {
		acctLog := log.With().Str("account", acct.Name).Logger()
		client := rest.NewClient(acct.BaseURL, acct.Token, acctLog)
		gw := connector.New(acct, client, acctLog, emit, func(status connector.Status) {
			if status.Connected {
				acctLog.Info().Msg("Connected")
			} else {
				acctLog.Warn().Str("reason", status.Reason).Msg("Disconnected")
			}
		})

		// One account failing identity resolution must not take the rest down.
		if err := gw.Start(ctx); err != nil {
			acctLog.Error().Err(err).Msg("Gateway failed to start")
			continue
		}
		gateways = append(gateways, gw)
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateway could be started")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}

	for _, gw := range gateways {
		gw.Stop()
	}
	return nil
}

func send(ctx context.Context, configPath string, debug, pretty bool, account string, target connector.SendTarget, text string) error {
	log := buildLogger(debug, pretty)

	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	acct, err := pickAccount(cfg, account)
	if err != nil {
		return err
	}
	if target.ChannelID == "" && target.ThreadID == "" {
		return fmt.Errorf("either --channel or --thread is required")
	}

	acctLog := log.With().Str("account", acct.Name).Logger()
	client := rest.NewClient(acct.BaseURL, acct.Token, acctLog)
	sender := connector.NewSender(client, ratelimit.New(), acct, acctLog)

	ids, err := sender.SendText(ctx, target, text)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func pickAccount(cfg *connector.Config, name string) (connector.AccountConfig, error) {
	accounts := cfg.AllAccounts()
	if name == "" {
		return accounts[0], nil
	}
	for _, acct := range accounts {
		if acct.Name == name {
			return acct, nil
		}
	}
	return connector.AccountConfig{}, fmt.Errorf("no account named %q", name)
}

func buildLogger(debug, pretty bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
