package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prite36/irrigation-shadow/internal/config"
	"github.com/prite36/irrigation-shadow/internal/logger"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/simulator"
)

type simulateOptions struct {
	Devices   []string
	Heartbeat time.Duration
	FWVersion string
}

func newSimulateCommand() *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Impersonate one or more devices on the configured broker",
		Long: `Connects to the broker from the service configuration and runs a simulated
controller per device. Each one reports retained state, acknowledges
pump_start/pump_stop commands and completes watering runs on its own.

Example:
  irrigation-debug simulate --device bed-1 --device bed-2`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Devices, "device", []string{"sim-1"}, "device id to simulate (repeatable)")
	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", 30*time.Second, "interval between state reports")
	cmd.Flags().StringVar(&opts.FWVersion, "fw-version", "", "firmware version to report")

	return cmd
}

func runSimulate(parent context.Context, opts *simulateOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := logger.WithComponent("simulator")
	topics := protocol.NewTopics(cfg.MQTT.Namespace)
	mqttOpts := mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       "irrigation-sim",
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: cfg.MQTT.ConnectTimeoutDuration(),
		ConnectRetries: cfg.MQTT.ConnectRetries,
	}

	errs := make(chan error, len(opts.Devices))

	for _, id := range opts.Devices {
		d, err := simulator.New(simulator.Config{
			DeviceID:  id,
			Topics:    topics,
			QoS:       byte(cfg.MQTT.QoS),
			FWVersion: opts.FWVersion,
			Heartbeat: opts.Heartbeat,
			Logger:    l.With().Str("device_id", id).Logger(),
		}, mqtt.NewDialer(mqttOpts, id, l))
		if err != nil {
			return err
		}

		go func() { errs <- d.Run(ctx) }()
	}

	var firstErr error
	for range opts.Devices {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}

	return firstErr
}
