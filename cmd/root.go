// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/prefs"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Bluetooth connection flags
	btAddress string

	prefsPath string
	verbose   bool

	logger    = zerolog.Nop()
	userPrefs = prefs.Default()
)

var rootCmd = &cobra.Command{
	Use:   "sonarctl",
	Short: "Sonar relay controller tool",
	Long: `sonarctl - monitor and configure the dual ultrasonic relay controller.

Talks the Sonar serial protocol over Bluetooth SPP, a serial port or a
WebSocket serial bridge. Provides raw frame logging, link diagnostics, relay
configuration and an interactive control panel.

Connection modes:
  Bluetooth: --bt AA:BB:CC:DD:EE:FF
  Serial:    --port /dev/rfcomm0 [--baud 9600]
  WebSocket: --url ws://host/path [--username user]

Without a connection flag the last device from the preferences file is used.

For WebSocket authentication, the password is read from the SONAR_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&btAddress, "bt", "", "Bluetooth address of a paired controller (BlueZ)")

	rootCmd.PersistentFlags().StringVar(&prefsPath, "prefs", prefs.DefaultPath(), "Preferences file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// setup initializes logging and loads preferences before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	logger = zerolog.New(output).Level(level).With().Timestamp().Str("app", "sonarctl").Logger()

	p, err := prefs.Load(prefsPath)
	if err != nil {
		return err
	}
	userPrefs = p
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
