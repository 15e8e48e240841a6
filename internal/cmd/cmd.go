// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package cmd wires the muvbox subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/muvbox/internal/app"
	"github.com/relabs-tech/muvbox/internal/config"
	"github.com/relabs-tech/muvbox/internal/device"
)

var RootCmd = &cobra.Command{
	Use:   "muvbox",
	Short: "host driver for MuvBox wireless IMUs",
	Long: `muvbox connects to a MuvBox over Wi-Fi, streams its telemetry,
estimates orientation and forwards the result to MQTT, a web view or InfluxDB.

Configuration is read, in order, from:
1. path specified in --config flag
2. path defined in MUVBOX_CONFIG environment variable
3. muvbox.yaml in the current directory, $HOME/.config/muvbox, /etc/muvbox
Command line flags override MUVBOX_* environment variables, which override the file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func rootFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "configuration file path")
	f.Bool("debug", false, "toggle debug logging")
	f.String("hostname", "", "device hostname, tried as is and with .local")
	f.String("ip", "", "device IP, used when no hostname is set")
	f.Int("port", device.DefaultPort, "device TCP port")
	f.Bool("fusion", true, "estimate orientation while streaming")
	f.String("broker", "", "MQTT broker URL")
	f.Int("web-port", 8080, "web view port")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd == InitCmd {
		return nil
	}
	path, _ := cmd.Flags().GetString("config")
	if err := config.InitGlobal(path, cmd); err != nil {
		return err
	}
	cfg := config.Get()
	cfg.ApplyLogging()
	if cfg.File() != "" {
		log.Debugf("config: %s", cfg.File())
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func StreamCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("duration", 0, "stop recording after this long, 0 runs until interrupted")
	cmd.Flags().Bool("export", false, "write the recording to InfluxDB when stopped")
	cmd.Flags().String("comment", "", "comment tag stored with the export")
}

var StreamCmd = &cobra.Command{
	Use:        "stream",
	SuggestFor: []string{"str", "run"},
	Short:      "stream the device to MQTT",
	Long: `stream connects to the configured box, starts acquisition and publishes
samples, orientation and status to the MQTT topics until interrupted.
With --export the finished recording is written to InfluxDB.`,
	Example: `  muvbox stream --hostname muvbox-3
  muvbox stream --ip 192.168.4.1 --duration 30s --export --comment "squat set 1"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		var opts app.StreamOptions
		opts.Duration, _ = cmd.Flags().GetDuration("duration")
		opts.Export, _ = cmd.Flags().GetBool("export")
		opts.Comment, _ = cmd.Flags().GetString("comment")
		return app.RunStream(ctx, opts)
	},
}

var ConsoleCmd = &cobra.Command{
	Use:        "console",
	SuggestFor: []string{"con"},
	Short:      "print what a stream publishes",
	Example:    `  muvbox console --broker tcp://raspberrypi:1883`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return app.RunConsoleMQTT(ctx)
	},
}

var WebCmd = &cobra.Command{
	Use:   "web",
	Short: "serve the live orientation view",
	Long: `web serves /api/orientation, /api/status and a /ws live feed.
With web.source=device it drives the box itself and exposes
POST /api/start, /api/stop, /api/sync and /api/fusion?on=true|false.
With web.source=mqtt it follows a running stream.`,
	Example: `  muvbox web --hostname muvbox-3 --web-port 8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return app.RunWeb(ctx)
	},
}

var MockCmd = &cobra.Command{
	Use:   "mock",
	Short: "run a simulated MuvBox",
	Long: `mock listens on mock.interface:mock.port and behaves like a MuvBox:
it answers system_info and streams synthetic motion after start_sensor.`,
	Example: `  muvbox mock
  muvbox stream --ip 127.0.0.1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return app.RunMock(ctx)
	},
}

var InfoCmd = &cobra.Command{
	Use:     "info",
	Short:   "print the device's system_info",
	Example: `  muvbox info --hostname muvbox-3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return app.RunInfo(ctx, cmd.OutOrStdout())
	},
}

func ProvisionCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("ssid", "", "Wi-Fi network the box should join")
	cmd.Flags().String("password", "", "Wi-Fi password")
	cmd.Flags().String("new-hostname", "", "hostname the box takes on the new network")
	_ = cmd.MarkFlagRequired("ssid")
	_ = cmd.MarkFlagRequired("new-hostname")
}

var ProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "store Wi-Fi settings on the device",
	Long: `provision connects to the box, typically on its own access point,
sends the network credentials and hostname and commits them.
The box then reboots onto the new network.`,
	Example: `  muvbox provision --ip 192.168.4.1 --ssid lab --password secret --new-hostname muvbox-3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		var ap device.AccessPoint
		ap.SSID, _ = cmd.Flags().GetString("ssid")
		ap.Password, _ = cmd.Flags().GetString("password")
		ap.Hostname, _ = cmd.Flags().GetString("new-hostname")
		return app.RunProvision(ctx, ap)
	},
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfigPath, "specify output path")
}

var InitCmd = &cobra.Command{
	Use:        "init",
	SuggestFor: []string{"ini", "in"},
	Short:      "init create a configuration template",
	Long: `init create a configuration template.
If --print flag is present, the configuration will be printed to stdout.
Otherwise it is written to --output, $HOME/.config/muvbox/muvbox.yaml by default.
If --yes / -y flag is present, an existing file is overwritten.`,
	Example: `  muvbox init --print
  muvbox init -o ./muvbox.yaml -y`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if p, _ := cmd.Flags().GetBool("print"); p {
			b, err := config.Template()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		yes, _ := cmd.Flags().GetBool("yes")
		return config.WriteTemplate(out, yes)
	},
}

func getRootCmd() *cobra.Command {
	rootFlags(RootCmd)

	StreamCmdFlags(StreamCmd)
	RootCmd.AddCommand(StreamCmd)

	RootCmd.AddCommand(ConsoleCmd)
	RootCmd.AddCommand(WebCmd)
	RootCmd.AddCommand(MockCmd)
	RootCmd.AddCommand(InfoCmd)

	ProvisionCmdFlags(ProvisionCmd)
	RootCmd.AddCommand(ProvisionCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	return RootCmd
}

func Execute() {
	rootCmd := getRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
