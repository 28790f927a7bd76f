// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/session"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send PING commands and measure round trip time",
	Long: `Send PING commands to the controller and wait for each ACK.

Each ping is a single attempt with its own timeout; the retry policy used by
the other commands is disabled so lost frames show up as loss.

This is useful for verifying:
  - The Bluetooth or serial link is established
  - HTTP Basic authentication works (WebSocket bridge)
  - The controller firmware is answering commands

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 3, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	opts := session.DefaultOptions()
	opts.Attempts = 1
	opts.AckTimeout = time.Duration(pingTimeout) * time.Second
	opts.HeartbeatInterval = time.Hour

	client, closeSession, err := openSession(cmd.Context(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	address := client.State().Address
	fmt.Printf("sonarctl - Ping\n")
	fmt.Printf("Connection: %s\n", describeAddress(address))
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		if err := client.Ping(); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			rtt := time.Since(startTime)
			total += rtt
			fmt.Printf("ACK from %s, rtt=%v\n", address, rtt.Round(time.Millisecond))
			successCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	crc, version, length := client.DropCounts()
	closeSession()

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acknowledged, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}
	if crc+version+length > 0 {
		fmt.Printf("dropped frames: %d crc, %d version, %d length\n", crc, version, length)
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
