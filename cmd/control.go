// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for the relay controller",
	Long: `Monitor and configure the relay controller via an interactive terminal UI.

Features:
  - Live distances, relay states and enable flags for both sides
  - Relay configuration editing (changes are debounced and confirmed)
  - Test trigger, emergency stop and relay statistics reset
  - Dosage estimate from relay on-time
  - Heartbeat and automatic reconnection on connection loss

Tab switches between the side list and the configuration panel. Arrow keys
navigate, Enter edits the selected field.

Supports Bluetooth, serial and WebSocket connections.`,
	Args: cobra.NoArgs,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

func runControl(cmd *cobra.Command, args []string) error {
	// Frames are batched to the TUI at a fixed rate
	frames := make(chan *sonar.Frame, 256)

	opts := session.DefaultOptions()
	opts.OnFrame = func(f *sonar.Frame) {
		select {
		case frames <- f:
		default:
		}
	}

	// Log lines would corrupt the alternate screen; link problems show in the panel
	logger = zerolog.Nop()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, closeSession, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSession()

	m := initialControlModel(client, describeAddress(client.State().Address))
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	changes, unsubscribe := client.Store().Subscribe(64)
	defer unsubscribe()

	go forwardChanges(ctx, p, changes)
	go forwardFrames(ctx, p, frames)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// forwardChanges relays store changes to the TUI.
func forwardChanges(ctx context.Context, p *tea.Program, changes <-chan session.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			p.Send(stateMsg(change))
		}
	}
}

// forwardFrames sends batched frames to the TUI every 50ms.
func forwardFrames(ctx context.Context, p *tea.Program, frames <-chan *sonar.Frame) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var batch frameBatchMsg
		drainLoop:
			for {
				select {
				case f := <-frames:
					batch = append(batch, f)
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				p.Send(batch)
			}
		}
	}
}
