package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	olshare "github.com/sammck-go/onlocal/share"
)

func usage() {
	fmt.Fprintf(os.Stderr, `onlocal - expose localhost to the internet

Usage: onlocal [flags] <port>

Arguments:
  <port>    Local port to expose (required unless server.port is set in %s)

Examples:
  onlocal 3000        # Expose localhost:3000
  onlocal 8080        # Expose localhost:8080

Send SIGHUP to force a reconnect.

Flags:
`, "~/.onlocal/config.yml")
	flag.PrintDefaults()
}

func main() {
	relayFlag := flag.String("relay", "", "Relay URL (default: $TUNNEL_DOMAIN, then tunnel.domain from the config file)")
	hostFlag := flag.String("host", "localhost", "Host the local server listens on")
	maxFlag := flag.Int("max-concurrent", olshare.DefaultMaxConcurrent, "Maximum concurrent requests to the local server")
	timeoutFlag := flag.Duration("local-timeout", 0, "Timeout for each local request (0 = none)")
	logLevelFlag := flag.String("log-level", "info", "Log level: error, warning, info, debug, trace")
	debugFlag := flag.Bool("debug", false, "Shorthand for --log-level debug")
	configFlag := flag.String("config", "", "Config file (default ~/.onlocal/config.yml)")
	flag.Usage = usage
	flag.Parse()

	var logLevel olshare.LogLevel
	if err := logLevel.FromString(*logLevelFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *debugFlag {
		logLevel = olshare.LogLevelDebug
	}

	fc := olshare.DefaultFileConfig()
	path := *configFlag
	if path == "" {
		if p, err := olshare.DefaultConfigPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		loaded, err := olshare.LoadFileConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s (using defaults)\n", err)
		}
		fc = loaded
	}
	fc.ApplyEnv()

	port := fc.Server.Port
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintf(os.Stderr, "Error: invalid port %q\n\n", flag.Arg(0))
			flag.Usage()
			os.Exit(1)
		}
		port = p
	}
	if port == 0 {
		fmt.Fprintln(os.Stderr, "Error: port argument is required")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(1)
	}

	relay := fc.Tunnel.Domain
	if *relayFlag != "" {
		relay = *relayFlag
	}

	client, err := olshare.NewClient(&olshare.Config{
		Port:          port,
		RelayURL:      relay,
		MaxConcurrent: *maxFlag,
		LocalHost:     *hostFlag,
		LocalTimeout:  *timeoutFlag,
		LogLevel:      logLevel,
		OnTunnel:      printTunnelBox,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-hup:
				client.ForceReconnect()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := client.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printTunnelBox(url string) {
	lines := []string{
		"Tunnel Established",
		"",
		"Your URL is ready!",
		url,
		"",
		"Send SIGHUP to force reconnect",
	}
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	border := strings.Repeat("-", width+2)
	fmt.Printf("\n+%s+\n", border)
	for _, l := range lines {
		fmt.Printf("| %-*s |\n", width, l)
	}
	fmt.Printf("+%s+\n\n", border)
}
