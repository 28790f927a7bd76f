// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Sonarctl - Sonar Relay Controller Tool
//
// A CLI and terminal UI for monitoring and configuring the dual ultrasonic
// relay controller over Bluetooth SPP, serial or WebSocket.

package main

import (
	"os"

	"github.com/Thermoquad/sonarctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
