// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/Thermoquad/sonarctl/pkg/bluez"
)

var (
	scanTimeout  int
	scanDiscover bool
	scanNoSerial bool
)

var scanCmd = &cobra.Command{
	Use:     "scan",
	Aliases: []string{"discovery"},
	Short:   "List paired Bluetooth controllers and serial ports",
	Long: `List candidate controller connections.

Bluetooth devices come from BlueZ over the system D-Bus. By default only
devices already known to BlueZ are listed; --discover runs an inquiry for
--timeout seconds first. Devices advertising the Serial Port Profile are
marked SPP.

Serial ports are listed from the operating system.

Exit codes:
  0 - At least one candidate found
  1 - Nothing found
  2 - Bluetooth unavailable and no serial ports`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 8, "Discovery time in seconds (with --discover)")
	scanCmd.Flags().BoolVar(&scanDiscover, "discover", false, "Run a Bluetooth inquiry for unpaired devices")
	scanCmd.Flags().BoolVar(&scanNoSerial, "no-serial", false, "Skip the serial port listing")
}

func runScan(cmd *cobra.Command, args []string) error {
	fmt.Printf("sonarctl - Device Scan\n\n")

	found := 0
	btErr := scanBluetooth(cmd.Context(), &found)
	if btErr != nil {
		fmt.Printf("Bluetooth unavailable: %v\n", btErr)
	}

	ports := 0
	if !scanNoSerial {
		ports = scanSerial()
		found += ports
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Candidates found: %d\n", found)
	if userPrefs.LastDevice != "" {
		fmt.Printf("Last device: %s\n", userPrefs.LastDevice)
	}

	if found == 0 {
		if btErr != nil {
			os.Exit(2)
		}
		os.Exit(1)
	}
	return nil
}

func scanBluetooth(ctx context.Context, found *int) error {
	mgr, err := bluez.Open()
	if err != nil {
		return err
	}
	defer mgr.Close()

	devices, err := mgr.Paired(ctx)
	if err != nil {
		return err
	}
	if scanDiscover {
		fmt.Printf("Discovering Bluetooth devices for %d seconds...\n", scanTimeout)
		discoverCtx, cancel := context.WithTimeout(ctx, time.Duration(scanTimeout)*time.Second)
		defer cancel()
		unpaired, err := mgr.Discover(discoverCtx)
		if err != nil {
			return err
		}
		devices = append(devices, unpaired...)
	}

	fmt.Printf("Bluetooth devices:\n")
	if len(devices) == 0 {
		fmt.Printf("  (none)\n")
	}
	for _, d := range devices {
		flags := ""
		if d.Paired {
			flags += " paired"
		}
		if d.Connected {
			flags += " connected"
		}
		if d.SPP {
			flags += " SPP"
		}
		marker := " "
		if d.Address == userPrefs.LastDevice {
			marker = "*"
		}
		fmt.Printf(" %s %s  %-24s%s\n", marker, d.Address, d.DisplayName(), flags)
	}
	*found += len(devices)
	return nil
}

func scanSerial() int {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("\nSerial ports: %v\n", err)
		return 0
	}

	fmt.Printf("\nSerial ports:\n")
	if len(ports) == 0 {
		fmt.Printf("  (none)\n")
	}
	for _, p := range ports {
		marker := " "
		if p == userPrefs.LastDevice {
			marker = "*"
		}
		fmt.Printf(" %s %s\n", marker, p)
	}
	return len(ports)
}
