// File: cmd/isod/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// isod binary: parses flags, binds the listener, and runs the daemon
// until SIGINT/SIGTERM. Exit codes: 0 clean shutdown, 2 bind failure,
// 64 flag misuse.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/isod-run/isod/adapters"
	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/daemon"
)

const (
	exitOK          = 0
	exitBindFailure = 2
	exitMisuse      = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("isod", flag.ContinueOnError)
	var (
		socket        = fs.String("socket", "", "unix domain socket path (default "+daemon.DefaultSocketPath+")")
		host          = fs.String("host", "", "TCP listen host; mutually exclusive with --socket")
		port          = fs.Int("port", 0, fmt.Sprintf("TCP listen port (default %d)", daemon.DefaultTCPPort))
		maxIsolates   = fs.Int("max-isolates", 64, "hard cap on live isolates")
		memoryLimitMB = fs.Int("memory-limit-mb", 256, "default per-isolate memory ceiling")
		adminAddr     = fs.String("admin-addr", "", "loopback host:port for the debug/health mux; empty disables")
		shutdownWait  = fs.Duration("shutdown-timeout", 30*time.Second, "graceful drain bound on shutdown")
		heartbeat     = fs.Duration("heartbeat-interval", 15*time.Second, "session PING cadence")
		fetchRPS      = fs.Int("fetch-rps", 0, "per-session guest fetch rate limit; 0 is unlimited")
		pinCPU        = fs.Int("pin-cpu", -1, "pin the main thread to a CPU index; -1 disables")
		logLevel      = fs.String("log-level", "info", "zerolog level: trace|debug|info|warn|error")
	)
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "isod: unexpected argument %q\n", fs.Arg(0))
		return exitMisuse
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "isod: unknown log level %q\n", *logLevel)
		return exitMisuse
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if *pinCPU >= 0 {
		aff := adapters.NewAffinityAdapter()
		if perr := aff.Pin(*pinCPU, -1); perr != nil {
			log.Warn().Err(perr).Int("cpu", *pinCPU).Msg("cpu pin failed, continuing unpinned")
		} else {
			desc := aff.ImmutableDescriptor()
			log.Info().Int("cpu", desc.CPUID).Int("numa", desc.NUMAID).Msg("main thread pinned")
		}
	}

	cfg := daemon.Config{
		SocketPath:             *socket,
		Host:                   *host,
		Port:                   *port,
		MaxIsolates:            *maxIsolates,
		MemoryLimitMB:          *memoryLimitMB,
		HeartbeatInterval:      *heartbeat,
		ShutdownTimeout:        *shutdownWait,
		AdminAddr:              *adminAddr,
		FetchRequestsPerSecond: *fetchRPS,
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "isod: %v\n", err)
		return exitMisuse
	}

	if err := d.Start(); err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Kind == api.KindBindFailure {
			log.Error().Err(err).Msg("bind failed")
			return exitBindFailure
		}
		log.Error().Err(err).Msg("start failed")
		return exitBindFailure
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	if err := d.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	return exitOK
}
