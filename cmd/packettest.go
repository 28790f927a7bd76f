// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

var (
	frameTestTimeout int
	linkTestDuration int
)

var frameTestCmd = &cobra.Command{
	Use:     "frame_test",
	Aliases: []string{"packet_test"},
	Short:   "Test connection by waiting for a valid Sonar frame",
	Long: `Wait for a valid Sonar frame on the connection until timeout.

This command connects and waits for any valid frame. It ignores invalid bytes
and waits for a complete frame that passes the CRC check. The controller
streams DISTANCE events continuously, so a healthy link answers quickly.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runFrameTest,
}

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test raw connection stability",
	Long: `Listen on the connection without sending anything, logging the data received
and any errors. Useful for debugging dropouts on Bluetooth or bridge links.

Exit codes:
  0 - Test completed normally
  1 - Connection failed during the test
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runLinkTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd, linkTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("sonarctl - Frame Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for valid Sonar frame...\n\n")

	decoder := sonar.NewDecoder()
	frameChan := make(chan *sonar.Frame, 1)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				frame, _ := decoder.DecodeByte(buf[i])
				if frame != nil {
					frameChan <- frame
					return
				}
			}
		}
	}()

	select {
	case frame := <-frameChan:
		crc, version, length := decoder.DropCounts()
		if crc+version+length > 0 {
			fmt.Printf("(dropped %d frames before sync)\n", crc+version+length)
		}
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", sonar.FormatMessageType(frame.Type), frame.Type)
		fmt.Printf("  Seq: %d\n", frame.Seq)
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		fmt.Printf("  CRC: 0x%04X\n", frame.CRC)
		return nil

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(frameTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
		os.Exit(1)
	}

	return nil
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)
	decoder := sonar.NewDecoder()
	bytesReceived := 0
	framesReceived := 0

	printResults := func(result string) {
		crc, version, length := decoder.DropCounts()
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Second))
		fmt.Printf("Bytes received: %d\n", bytesReceived)
		fmt.Printf("Frames decoded: %d\n", framesReceived)
		fmt.Printf("Frames dropped: %d crc, %d version, %d length\n", crc, version, length)
		fmt.Printf("Result: %s\n", result)
	}

	fmt.Printf("Listening for data...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			decoder.Feed(data, func(*sonar.Frame) { framesReceived++ })
			logger.Debug().Int("bytes", len(data)).Hex("data", data).Msg("received")

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			printResults("FAILED (connection error)")
			os.Exit(1)

		case <-heartbeat.C:
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... %d frames (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), framesReceived, remaining)
		}
	}

	printResults("PASSED (connection stable)")
	return nil
}
