/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command agentsim emulates a fleet of agents sending spans to the ingestion gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	golog "log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/netutil"
	"github.com/acronis/go-ingestgate/receiver"
)

type cliOptions struct {
	target        string
	nameServers   []string
	dnsTimeout    time.Duration
	logLevel      string
	duration      time.Duration
	simulatorOpts SimulatorOpts
}

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		golog.Fatal(err)
	}
}

func runApp(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	logCfg := log.NewDefaultConfig()
	logCfg.Level = log.Level(opts.logLevel)
	logCfg.Format = log.FormatText
	logger, loggerClose := log.NewLogger(logCfg)
	defer loggerClose()

	conn, err := dial(opts)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	startTime := time.Now()
	report := NewSimulator(receiver.NewClient(conn), logger, opts.simulatorOpts).Run(ctx)
	logger.Info("simulation is finished",
		log.Int64("streams", report.Streams),
		log.Int64("spans", report.Spans),
		log.Int64("rejected", report.Rejected),
		log.Int64("failed", report.Failed),
		log.Duration("elapsed", time.Since(startTime)),
	)
	return json.NewEncoder(os.Stdout).Encode(report)
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	flags := pflag.NewFlagSet("agentsim", pflag.ContinueOnError)
	flags.StringVarP(&opts.target, "target", "t", "127.0.0.1:9090", "gateway address (host:port)")
	flags.StringSliceVar(&opts.nameServers, "name-servers", nil,
		"DNS servers (host:port) used in turn to resolve the gateway host")
	flags.DurationVar(&opts.dnsTimeout, "dns-timeout", 2*time.Second, "timeout of a single DNS query")
	flags.StringVar(&opts.logLevel, "log-level", string(log.LevelInfo), "log level (error, warn, info, debug)")
	flags.DurationVar(&opts.duration, "duration", 0, "maximum duration of the simulation (0 means no limit)")
	flags.IntVarP(&opts.simulatorOpts.Agents, "agents", "a", 10, "number of simulated agents")
	flags.IntVarP(&opts.simulatorOpts.StreamsPerAgent, "streams", "s", 5, "number of span streams per agent")
	flags.IntVarP(&opts.simulatorOpts.SpansPerStream, "spans", "n", 100, "number of spans per stream")
	flags.StringVar(&opts.simulatorOpts.ApplicationName, "app", "agentsim", "application name sent in the agent header")
	flags.BoolVar(&opts.simulatorOpts.Compress, "zstd", false, "compress messages with zstd")
	flags.DurationVar(&opts.simulatorOpts.RetryInterval, "retry-interval", 100*time.Millisecond,
		"initial interval of the exponential backoff for rejected calls")
	flags.IntVar(&opts.simulatorOpts.MaxRetryAttempts, "max-retries", 10, "maximum retry attempts of a rejected call")
	if err := flags.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if opts.simulatorOpts.Agents <= 0 || opts.simulatorOpts.StreamsPerAgent <= 0 || opts.simulatorOpts.SpansPerStream <= 0 {
		return cliOptions{}, fmt.Errorf("agents, streams and spans must be greater than 0")
	}
	return opts, nil
}

func dial(opts cliOptions) (*grpc.ClientConn, error) {
	target := opts.target
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if len(opts.nameServers) != 0 {
		resolver, err := netutil.NewRoundRobinResolver(opts.nameServers, opts.dnsTimeout)
		if err != nil {
			return nil, fmt.Errorf("create DNS resolver: %w", err)
		}
		dialer := &net.Dialer{Resolver: resolver}
		dialOpts = append(dialOpts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}))
		// The host is resolved by the dialer, not by the gRPC DNS resolver.
		target = "passthrough:///" + target
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gRPC client: %w", err)
	}
	return conn, nil
}
