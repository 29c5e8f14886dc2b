// fleetgate runs the gateway Core as a standalone process. Configuration is
// read from FLEETGATE_* environment variables; the flags below override the
// most common settings.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/drblury/fleetgate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		envPrefix   string
		pubSub      string
		instanceID  string
		httpPort    int
		metricsPort int
		logLevel    string
		logFormat   string
	)

	flagSet := pflag.NewFlagSet("fleetgate", pflag.ContinueOnError)
	flagSet.StringVar(&envPrefix, "env-prefix", "FLEETGATE", "prefix of the configuration environment variables")
	flagSet.StringVar(&pubSub, "pubsub", "", "broker to use: rabbitmq, nats, kafka or channel")
	flagSet.StringVar(&instanceID, "instance-id", "", "name of this gateway instance")
	flagSet.IntVar(&httpPort, "http-port", 0, "port of the API and admin surface (0 keeps the configured port)")
	flagSet.IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "", "json or text")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	conf, err := fleetgate.LoadConfig(envPrefix)
	if err != nil {
		return err
	}
	if flagSet.Changed("pubsub") {
		conf.PubSubSystem = pubSub
	}
	if flagSet.Changed("instance-id") {
		conf.InstanceID = instanceID
	}
	if flagSet.Changed("http-port") {
		conf.HTTPPort = httpPort
	}
	if flagSet.Changed("metrics-port") {
		conf.MetricsEnabled = true
		conf.MetricsPort = metricsPort
	}
	if flagSet.Changed("log-level") {
		conf.LogLevel = logLevel
	}
	if flagSet.Changed("log-format") {
		conf.LogFormat = logFormat
	}
	if err := fleetgate.ValidateConfig(conf); err != nil {
		return err
	}

	logger := fleetgate.NewSlogServiceLogger(fleetgate.NewLogger(conf.LogLevel, conf.LogFormat, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := fleetgate.NewGateway(ctx, conf, logger, fleetgate.GatewayDependencies{})
	if err != nil {
		return err
	}

	logger.Info("Gateway starting", fleetgate.LogFields{
		"instance_id": conf.InstanceID,
		"pubsub":      conf.PubSubSystem,
		"http_port":   conf.HTTPPort,
	})
	return gw.Run(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: fleetgate [flags]\n\nRoutes fleet API calls to destination services over the message broker.\n\nFlags:\n")
	flagSet.PrintDefaults()
}
