// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"error_detection"},
	Short:   "Detect and analyze malformed frames and link errors",
	Long: `Track frame errors, malformed payloads and anomalous values with statistics.

This command listens passively and validates each frame, detecting:
  - CRC errors, version mismatches and oversized lengths
  - Malformed payloads (length mismatches, invalid side bytes)
  - Anomalous values (implausible distances, out of range config)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// frameEvent is one decoder outcome: a frame with its anomalies or a drop.
type frameEvent struct {
	frame            *sonar.Frame
	decodeErr        error
	validationErrors []sonar.ValidationError
}

// syncEvent marks the first valid frame after startup.
type syncEvent struct {
	invalidBytes int
}

// frameReader decodes conn until it fails, reporting through the callbacks.
// Decode errors before the first valid frame only count skipped bytes.
func frameReader(conn Connection, onSync func(syncEvent), onFrame func(frameEvent)) error {
	decoder := sonar.NewDecoder()
	synchronized := false
	invalidBytesBeforeSync := 0
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			frame, decodeErr := decoder.DecodeByte(buf[i])

			switch {
			case decodeErr != nil:
				if synchronized {
					onFrame(frameEvent{decodeErr: decodeErr})
				} else {
					invalidBytesBeforeSync++
				}

			case frame != nil:
				if !synchronized {
					synchronized = true
					onSync(syncEvent{invalidBytes: invalidBytesBeforeSync})
				}
				onFrame(frameEvent{frame: frame, validationErrors: sonar.ValidateFrame(frame)})

			case !synchronized && !decoder.Synchronized():
				invalidBytesBeforeSync++
			}
		}
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runMonitorTUI(conn, connInfo)
	}
	return runMonitorText(conn, connInfo)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *sonar.Frame, errors []sonar.ValidationError) {
	timestamp := frame.Timestamp.Format("15:04:05.000")
	msgType := sonar.FormatMessageType(frame.Type)

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) seq=%d\n", timestamp, msgType, frame.Type, frame.Seq)
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errors {
		switch err.Type {
		case sonar.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if received, ok := err.Details["received"].(int); ok {
				if expected, ok := err.Details["expected"].(int); ok {
					fmt.Printf("    Length: received=%d, expected=%d\n", received, expected)
				}
			}

		case sonar.AnomalyInvalidSide:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case sonar.AnomalyOutOfRange, sonar.AnomalyInvalidValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Print(sonar.FormatPayload(frame.Type, frame.Payload))
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runMonitorTUI runs the monitor with the terminal UI
func runMonitorTUI(conn Connection, connInfo string) error {
	m := initialMonitorModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		err := frameReader(conn,
			func(e syncEvent) { p.Send(e) },
			func(e frameEvent) { p.Send(e) },
		)
		p.Send(linkErrorMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runMonitorText runs the monitor printing to stdout
func runMonitorText(conn Connection, connInfo string) error {
	fmt.Printf("sonarctl - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := sonar.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	events := make(chan any, 64)
	go func() {
		err := frameReader(conn,
			func(e syncEvent) { events <- e },
			func(e frameEvent) { events <- e },
		)
		events <- linkErrorMsg{err: err}
	}()

	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case syncEvent:
				if e.invalidBytes > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", e.invalidBytes)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}

			case frameEvent:
				if e.decodeErr != nil {
					stats.Update(nil, e.decodeErr, nil)
					printDecodeError(e.decodeErr)
					continue
				}
				stats.Update(e.frame, nil, e.validationErrors)

				if len(e.validationErrors) > 0 {
					printValidationErrors(e.frame, e.validationErrors)
				} else if e.frame.Type == sonar.EvtBoot {
					// Controller restarts are always worth seeing
					fmt.Printf("[%s] \033[1;32mBOOT:\033[0m controller restarted\n\n", e.frame.Timestamp.Format("15:04:05.000"))
				} else if showAll {
					fmt.Print(sonar.FormatFrame(e.frame))
				}

			case linkErrorMsg:
				fmt.Println()
				fmt.Print(stats.String())
				return fmt.Errorf("read: %w", e.err)
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
