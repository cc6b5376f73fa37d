package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	olshare "github.com/sammck-go/onlocal/share"
)

func main() {
	cfg := &olshare.ServerConfig{}
	flag.StringVar(&cfg.Addr, "addr", ":8787", "Listen address")
	flag.StringVar(&cfg.Domain, "domain", "localhost", "Apex domain tunnels are served under")
	flag.IntVar(&cfg.PublicPort, "public-port", -1, "Port shown in public URLs (default: the listen port for localhost, omitted otherwise)")
	secure := flag.String("secure", "auto", "Advertise https URLs: true, false, or auto (true unless domain is localhost)")
	flag.BoolVar(&cfg.PathRouting, "path-routing", false, "Route /<clientId>/... instead of <clientId>.<domain>")
	flag.StringVar(&cfg.StorePath, "store", "", "JSON file persisting clientId bindings (default: in memory)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", olshare.DefaultRequestTimeout, "Public request timeout")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", olshare.DefaultPingInterval, "Control channel keepalive interval (negative disables)")
	flag.DurationVar(&cfg.PongTimeout, "pong-timeout", olshare.DefaultPongTimeout, "Keepalive pong timeout")
	flag.IntVar(&cfg.StreamBacklog, "stream-backlog", olshare.DefaultStreamBacklog, "Frames queued for one public websocket before it is closed with 1011")
	seed := flag.String("id-seed", "", "Seed for a reproducible clientId sequence (testing only)")
	logLevelFlag := flag.String("log-level", "info", "Log level: error, warning, info, debug, trace")
	debug := flag.Bool("debug", false, "Shorthand for --log-level debug")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: onlocal-relay [flags]\n\nRelay public traffic to onlocal tunnel clients.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// environment overrides defaults; explicit flags override the environment
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	flagged := *cfg
	cfg.ApplyEnv()
	if explicit["domain"] {
		cfg.Domain = flagged.Domain
	}
	if explicit["addr"] {
		cfg.Addr = flagged.Addr
	}
	if explicit["store"] {
		cfg.StorePath = flagged.StorePath
	}

	if err := cfg.LogLevel.FromString(*logLevelFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = olshare.LogLevelDebug
	}

	local := cfg.Domain == "localhost" || cfg.Domain == ""
	switch *secure {
	case "auto":
		cfg.Secure = !local
	case "true":
		cfg.Secure = true
	case "false":
		cfg.Secure = false
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid --secure %q\n", *secure)
		os.Exit(1)
	}
	if cfg.PublicPort < 0 {
		cfg.PublicPort = 0
		if local {
			if _, p, err := net.SplitHostPort(cfg.Addr); err == nil {
				cfg.PublicPort, _ = strconv.Atoi(p)
			}
		}
	}

	if *seed != "" {
		cfg.ClientIDs = olshare.NewSeededIDs(olshare.ClientIDLength, *seed)
	}

	server, err := olshare.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	err = server.Run(ctx)
	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "relay stopped after %s\n", time.Since(start).Round(time.Second))
}
