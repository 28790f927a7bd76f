// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/sonarctl/pkg/prefs"
	"github.com/Thermoquad/sonarctl/pkg/session"
	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

var (
	configSavePath string
	statsReset     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show distances, relays and configuration",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the relay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration reported by the controller",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configApplyCmd = &cobra.Command{
	Use:   "apply FILE",
	Short: "Write a TOML relay configuration file to the controller",
	Long: `Write a TOML relay configuration file to the controller and wait for the
next STATUS to confirm it. Keys missing from the file keep the controller's
current values.

Example file:
  mode = "distance"
  threshold_cm = 45
  hysteresis_cm = 10
  entry_delay_dist_ms = 200
  exit_delay_dist_ms = 500`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigApply,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Change individual configuration fields",
	Long: `Change individual configuration fields and wait for the controller to
confirm them. Values are checked against the controller's ranges before
anything is sent.

Keys: mode, threshold, hysteresis, entry_delay, exit_delay, timed_entry_delay,
active_time (delays and times in milliseconds, distances in centimeters).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConfigSet,
}

var enableCmd = &cobra.Command{
	Use:   "enable SIDE on|off",
	Short: "Enable or disable one side",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnable,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger SIDE",
	Short: "Fire one relay as if an object had been detected",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

var estopCmd = &cobra.Command{
	Use:   "estop",
	Short: "Emergency stop: open both relays",
	Args:  cobra.NoArgs,
	RunE:  runEstop,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show relay activation statistics and the dosage estimate",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statusCmd, configCmd, enableCmd, triggerCmd, estopCmd, statsCmd)
	configCmd.AddCommand(configShowCmd, configApplyCmd, configSetCmd)

	configShowCmd.Flags().StringVar(&configSavePath, "save", "", "Also write the configuration to a TOML file")
	statsCmd.Flags().BoolVar(&statsReset, "reset", false, "Reset the counters after printing them")
}

// oneShotOptions disables the heartbeat and reconnects for short commands.
func oneShotOptions() session.Options {
	opts := session.DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	return opts
}

func withSession(cmd *cobra.Command, fn func(*session.Client) error) error {
	client, closeSession, err := openSession(cmd.Context(), oneShotOptions())
	if err != nil {
		return err
	}
	defer closeSession()
	return fn(client)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		st := c.State()
		if st.StatusCount == 0 {
			return fmt.Errorf("controller sent no STATUS")
		}
		fmt.Printf("Connection: %s\n", describeAddress(st.Address))
		fmt.Printf("Left:  %4d cm  relay %-3s  %s\n", st.DistanceLeftCm, onOffText(st.RelayLeft), enabledText(st.EnabledLeft))
		fmt.Printf("Right: %4d cm  relay %-3s  %s\n", st.DistanceRightCm, onOffText(st.RelayRight), enabledText(st.EnabledRight))
		fmt.Print(sonar.FormatConfig(st.Config))
		return nil
	})
}

func enabledText(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		cfg := c.State().Config
		fmt.Print(sonar.FormatConfig(cfg))
		if configSavePath != "" {
			if err := prefs.SaveRelayConfig(configSavePath, cfg); err != nil {
				return err
			}
			fmt.Printf("Saved to %s\n", configSavePath)
		}
		return nil
	})
}

func runConfigApply(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		cfg, err := prefs.LoadRelayConfig(args[0], c.State().Config)
		if err != nil {
			return err
		}
		return applyAndReport(c, cfg)
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		cfg := c.State().Config
		for _, arg := range args {
			if err := setConfigField(&cfg, arg); err != nil {
				return err
			}
		}
		return applyAndReport(c, cfg)
	})
}

func applyAndReport(c *session.Client, cfg sonar.Config) error {
	if err := c.ApplyConfigOnce(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	fmt.Printf("Configuration confirmed:\n")
	fmt.Print(sonar.FormatConfig(c.State().Config))
	return nil
}

// setConfigField applies one KEY=VALUE argument to cfg.
func setConfigField(cfg *sonar.Config, arg string) error {
	key, value, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("expected KEY=VALUE, got %q", arg)
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	if key == "mode" {
		m, err := prefs.ParseMode(value)
		if err != nil {
			return err
		}
		cfg.Mode = m
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, value)
	}

	switch key {
	case "threshold", "threshold_cm":
		cfg.ThresholdCm = n
	case "hysteresis", "hysteresis_cm":
		cfg.HysteresisCm = n
	case "entry_delay", "entry_delay_dist_ms":
		cfg.EntryDelayDistMs = n
	case "exit_delay", "exit_delay_dist_ms":
		cfg.ExitDelayDistMs = n
	case "timed_entry_delay", "entry_delay_timed_ms":
		cfg.EntryDelayTimedMs = n
	case "active_time", "active_time_mode1_ms":
		cfg.ActiveTimeMode1Ms = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func parseSideArg(s string) (sonar.Side, error) {
	side, ok := sonar.ParseSide(s)
	if !ok {
		return 0, fmt.Errorf("side %q: %w", s, sonar.ErrBadSide)
	}
	return side, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "enable":
		return true, nil
	case "off", "false", "0", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func runEnable(cmd *cobra.Command, args []string) error {
	side, err := parseSideArg(args[0])
	if err != nil {
		return err
	}
	enabled, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	return withSession(cmd, func(c *session.Client) error {
		if err := c.SetSideEnabled(side, enabled); err != nil {
			return err
		}
		fmt.Printf("%s side %s\n", side, enabledText(enabled))
		return nil
	})
}

func runTrigger(cmd *cobra.Command, args []string) error {
	side, err := parseSideArg(args[0])
	if err != nil {
		return err
	}
	return withSession(cmd, func(c *session.Client) error {
		if err := c.TestTrigger(side); err != nil {
			return err
		}
		fmt.Printf("Triggered %s relay\n", side)
		return nil
	})
}

func runEstop(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		if err := c.EmergencyStop(); err != nil {
			return err
		}
		fmt.Printf("Emergency stop acknowledged, both relays open\n")
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(c *session.Client) error {
		st := c.State()
		fmt.Print(formatRelayStats(st))

		if statsReset {
			if err := c.ResetRelayStats(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Printf("Counters reset\n")
		}
		return nil
	})
}

// formatRelayStats renders the activation counters and the dosage estimate.
func formatRelayStats(st session.State) string {
	dose := session.EstimateDosage(st)

	var b strings.Builder
	fmt.Fprintf(&b, "Left:  %s active, %d activations\n",
		sonar.FormatDuration(uint64(st.Stats.Left.TimeMs)), st.Stats.Left.Activations)
	fmt.Fprintf(&b, "Right: %s active, %d activations\n",
		sonar.FormatDuration(uint64(st.Stats.Right.TimeMs)), st.Stats.Right.Activations)
	fmt.Fprintf(&b, "Dosage (%.2f L/min x %d applicators, %.1f g/s):\n",
		st.LitersPerMin, st.NumApplicators, st.GramsPerSec)
	fmt.Fprintf(&b, "  Left:  %s\n", dose.Left)
	fmt.Fprintf(&b, "  Right: %s\n", dose.Right)
	fmt.Fprintf(&b, "  Total: %s\n", dose.Total())
	return b.String()
}
