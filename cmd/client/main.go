// Package main implements the otun client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/relaytun/otun/internal/client"
	"github.com/relaytun/otun/internal/config"
	"github.com/relaytun/otun/internal/version"
)

var (
	configPath         string
	serverAddr         string
	subdomain          string
	token              string
	debug              bool
	noReconnect        bool
	maxRetries         int
	localHostOverride  string
	forwardTimeoutSecs int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "otun",
		Short:        "Expose local services to the internet",
		Long:         `otun is a lightweight tunnel that exposes local services to the public internet.`,
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun " + version.Full())
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port> or http <host:port>",
		Short: "Expose a local HTTP service",
		Long: `Expose a local HTTP service to the internet.

Examples:
  otun http 3000                      # Expose localhost:3000
  otun http 8080 -s myapp             # Expose localhost:8080 with subdomain "myapp"
  otun http localhost:8080            # Expose localhost:8080
  otun http 192.168.1.10:3000         # Expose a service on your network`,
		Args: cobra.ExactArgs(1),
		RunE: runHTTP,
	}

	httpCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ~/.otun.yaml)")
	httpCmd.Flags().StringVarP(&serverAddr, "server", "S", "tunnel.otun.dev:443", "Tunnel server address")
	httpCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "Custom subdomain (random if not specified)")
	httpCmd.Flags().StringVarP(&token, "token", "t", "", "API key for authentication")
	httpCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	httpCmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Disable automatic reconnection")
	httpCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum reconnection attempts (0 = unlimited)")
	httpCmd.Flags().StringVar(&localHostOverride, "local-host", "", "Host header to send to the local service (default: forward unchanged)")
	httpCmd.Flags().IntVar(&forwardTimeoutSecs, "forward-timeout", 30, "Seconds to wait when dialing and reading from the local service")

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHTTP(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if cfg != nil {
		if cfg.Server != "" && !cmd.Flags().Changed("server") {
			serverAddr = cfg.Server
		}
		if cfg.Token != "" && !cmd.Flags().Changed("token") {
			token = cfg.Token
		}
		if cfg.Subdomain != "" && !cmd.Flags().Changed("subdomain") {
			subdomain = cfg.Subdomain
		}
		if cfg.Debug != nil && !cmd.Flags().Changed("debug") {
			debug = *cfg.Debug
		}
		if cfg.Reconnect != nil && !cmd.Flags().Changed("no-reconnect") {
			noReconnect = !*cfg.Reconnect
		}
		if cfg.MaxRetries != nil && !cmd.Flags().Changed("max-retries") {
			maxRetries = *cfg.MaxRetries
		}
		if cfg.LocalHost != "" && !cmd.Flags().Changed("local-host") {
			localHostOverride = cfg.LocalHost
		}
		if cfg.ForwardTimeoutSecs != nil && !cmd.Flags().Changed("forward-timeout") {
			forwardTimeoutSecs = *cfg.ForwardTimeoutSecs
		}
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	localAddr := args[0]
	if !strings.Contains(localAddr, ":") {
		localAddr = "localhost:" + localAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(serverAddr, localAddr).
		WithReconnect(!noReconnect).
		WithMaxRetries(maxRetries).
		WithForwardTimeout(time.Duration(forwardTimeoutSecs) * time.Second)

	if subdomain != "" {
		c = c.WithSubdomain(subdomain)
	}
	if token != "" {
		c = c.WithToken(token)
	}
	if localHostOverride != "" {
		c = c.WithLocalHostOverride(localHostOverride)
	}

	runErr := c.RunWithReconnect(ctx)

	if errors.Is(runErr, client.ErrShutdown) {
		log.Info("shutting down")
		return nil
	}
	return runErr
}
