//go:build linux

// Command netdispatch is a SOCKS5 CONNECT-only dispatcher that load-balances
// outbound connections across a pool of local source interfaces.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/dispatchng/netdispatch/internal/netaddr"
	"github.com/dispatchng/netdispatch/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		binds       []string
		metricsAddr string
		verbose     bool
		help        bool
	)

	fs := pflag.NewFlagSet("netdispatch", pflag.ContinueOnError)
	fs.StringArrayVar(&binds, "bind", nil, "inbound listen address (host:port, repeatable); defaults to 127.0.0.1:1080 and [::1]:1080 if omitted")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVarP(&help, "help", "h", false, "show usage")
	usage := func(w *os.File) {
		fmt.Fprintln(w, "Usage: netdispatch [--bind=addr:port]... [--metrics-addr=host:port] addr1@metric1 addr2@metric2 ...")
		fmt.Fprintln(w, fs.FlagUsagesWrapped(0))
	}
	fs.Usage = func() { usage(os.Stderr) }
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if help {
		usage(os.Stdout)
		return 1
	}

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one addr@metric interface is required")
		usage(os.Stderr)
		return 1
	}

	log := newLogger(verbose)

	pool, err := parsePoolArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		usage(os.Stderr)
		return 1
	}

	bindAddrs, err := parseBindAddrs(binds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		usage(os.Stderr)
		return 1
	}

	sup, err := supervisor.New(&supervisor.Config{
		Logger:      log,
		BindAddrs:   bindAddrs,
		Pool:        pool,
		MetricsAddr: metricsAddr,
	})
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error("run failed", "error", err)
		return 1
	}
	return 0
}

// parsePoolArgs parses the positional addr@metric arguments.
func parsePoolArgs(args []string) ([]supervisor.PoolEntry, error) {
	pool := make([]supervisor.PoolEntry, 0, len(args))
	for _, arg := range args {
		at := strings.LastIndexByte(arg, '@')
		if at < 0 {
			return nil, fmt.Errorf("invalid pool entry %q: expected addr@metric", arg)
		}
		addrPart, metricPart := arg[:at], arg[at+1:]

		host, err := netaddr.ParseHost(addrPart)
		if err != nil {
			return nil, fmt.Errorf("invalid pool entry %q: %w", arg, err)
		}
		metric, err := strconv.ParseUint(metricPart, 10, 32)
		if err != nil || metric < 1 {
			return nil, fmt.Errorf("invalid pool entry %q: metric must be a decimal >= 1", arg)
		}
		pool = append(pool, supervisor.PoolEntry{Source: host, Metric: uint32(metric)})
	}
	return pool, nil
}

func parseBindAddrs(binds []string) ([]netaddr.SocketAddress, error) {
	addrs := make([]netaddr.SocketAddress, 0, len(binds))
	for _, b := range binds {
		a, err := netaddr.ParseSocket(b)
		if err != nil {
			return nil, fmt.Errorf("invalid --bind %q: %w", b, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
	}))
}
