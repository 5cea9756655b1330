// Command kvd runs the in-memory key/value server. CLI parsing,
// signal wiring and daemonization are external collaborators per
// spec.md §1; this file only wires cobra/pflag flags to
// internal/server.Config and waits for SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kvd/kvd/internal/log"
	"github.com/kvd/kvd/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port          uint16
		cacheSize     int64
		network       string
		acceptThreads int
		workers       int
		queueCap      int
		idleMS        int
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "kvd",
		Short: "An in-memory key/value server speaking a memcached-style text protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(logLevel)

			net := server.Network(network)
			switch net {
			case server.NetworkSingleThreaded, server.NetworkMultiThreaded, server.NetworkMultiNonBlocking:
			default:
				return fmt.Errorf("--network must be one of st, mt, mt-nonblock (got %q)", network)
			}

			s := server.New(server.Config{
				Port:          port,
				CacheBytes:    int(cacheSize),
				Network:       net,
				AcceptThreads: acceptThreads,
				Workers:       workers,
				QueueCap:      queueCap,
				IdleMS:        idleMS,
			}, logger)

			if err := s.Start(); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logger.Info("shutting down")
			s.Stop()
			s.Join()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&port, "port", 11211, "listen port")
	flags.Int64Var(&cacheSize, "cache-size", 64<<20, "max cache bytes")
	flags.StringVar(&network, "network", "mt-nonblock", "server flavor: st, mt, mt-nonblock")
	flags.IntVar(&acceptThreads, "accept-threads", 1, "number of acceptor goroutines (mt/mt-nonblock only)")
	flags.IntVar(&workers, "workers", 4, "low watermark for the worker pool; high watermark is 4x this")
	flags.IntVar(&queueCap, "queue-cap", 128, "bounded task queue capacity")
	flags.IntVar(&idleMS, "idle-ms", 1000, "idle-worker reap timeout in milliseconds")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}
