// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/bridge"
	"github.com/Thermoquad/sonarctl/pkg/session"
)

var (
	serveListen   string
	servePath     string
	serveUsername string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Share the controller session with dashboards over WebSocket",
	Long: `Hold a session with the controller and publish its state over a WebSocket.

Clients receive a CBOR state message on connect and after every change, and
may send CBOR command messages (ping, threshold, enable, trigger, estop, ...).
The same listener serves a JSON snapshot at /state, link health at /health
and Prometheus metrics at /metrics.
The session reconnects automatically when the link drops.

When --bridge-username is set, clients must authenticate with HTTP Basic auth.
The password is read from SONAR_BRIDGE_PASSWORD or prompted interactively.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&servePath, "path", "/ws", "WebSocket endpoint path")
	serveCmd.Flags().StringVar(&serveUsername, "bridge-username", "", "Require HTTP Basic auth with this username")
}

func runServe(cmd *cobra.Command, args []string) error {
	var password string
	if serveUsername != "" {
		pw, err := GetPassword("SONAR_BRIDGE_PASSWORD")
		if err != nil {
			return err
		}
		if pw == "" {
			return fmt.Errorf("empty bridge password")
		}
		password = pw
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := session.DefaultOptions()
	opts.AutoReconnect = true
	client, closeSession, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSession()

	srv := bridge.NewServer(client, bridge.Options{
		Username: serveUsername,
		Password: password,
		Logger:   logger.With().Str("component", "bridge").Logger(),
	})
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              serveListen,
		Handler:           srv.Router(servePath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	fmt.Printf("sonarctl - State Bridge\n")
	fmt.Printf("Connection: %s\n", describeAddress(client.State().Address))
	fmt.Printf("Listening on %s%s\n", serveListen, servePath)
	fmt.Printf("Also serving /state, /health and /metrics\n")
	fmt.Printf("Press Ctrl+C to exit\n\n")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
