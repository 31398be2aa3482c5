package command

import (
	"fmt"
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/server"
	"github.com/adminpanel/relay/internal/shell"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"net/http"
	"os"
)

const defaultPort = "3000"

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the relay: interactive SSH sessions and host monitoring over a WebSocket",
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd.Flags(), configPath)
		if err != nil {
			return err
		}

		logger, err := buildLogger(v)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()

		hostProber, err := buildProber(v, logger)
		if err != nil {
			return err
		}

		serverOpts := []server.Option{
			server.WithLogger(logger),
			server.WithServerAddresses(v.GetStringSlice("listen")),
			server.WithWebsocketOriginFunc(websocketOriginFunc(v.GetStringSlice("allowed-origins"))),
			server.WithStaticDir(v.GetString("static-dir")),
			server.WithMaxMessageSize(v.GetInt64("max-message-size")),
			server.WithProber(hostProber),
			server.WithMonitorOptions(
				monitor.WithInterval(durationOrDefault(v, "sweep-interval", monitor.DefaultInterval)),
				monitor.WithProbeTimeout(v.GetDuration("probe-timeout")),
				monitor.WithMaxConcurrentProbes(v.GetInt("max-concurrent-probes")),
			),
			server.WithSessionOptions(
				shell.WithConnectTimeout(durationOrDefault(v, "connect-timeout", shell.DefaultConnectTimeout)),
			),
		}

		if projectID := gcpProjectID(logger); projectID != "" {
			logger.Info("detected GCP project, enabling trace context propagation", zap.String("project", projectID))
			serverOpts = append(serverOpts, server.WithGCPProjectID(projectID))
		}

		relayServer, err := server.New(serverOpts...)
		if err != nil {
			return err
		}

		return relayServer.Run(cmd.Context())
	}

	cmd.Flags().StringVar(&configPath, "config", "", "read configuration from this YAML, TOML or JSON file")

	addLoggingFlags(cmd.Flags(), zapcore.InfoLevel)
	addProberFlags(cmd.Flags())

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	cmd.Flags().StringSliceP("listen", "l", []string{fmt.Sprintf(":%s", port)},
		"address to listen on (can be specified multiple times)")
	cmd.Flags().StringSlice("allowed-origins", []string{},
		"a list of comma-separated origins that are allowed to open the relay's WebSocket "+
			"(\"*\" allows any origin, empty allows only the relay's own host)")
	cmd.Flags().String("static-dir", "", "serve the dashboard's static files from this directory")
	cmd.Flags().Duration("sweep-interval", monitor.DefaultInterval,
		"idle gap between the end of one monitoring sweep and the start of the next")
	cmd.Flags().Int("max-concurrent-probes", monitor.DefaultMaxConcurrentProbes,
		"how many hosts a single monitoring sweep may probe at once")
	cmd.Flags().Duration("connect-timeout", shell.DefaultConnectTimeout,
		"how long an SSH session may take to connect and authenticate")
	cmd.Flags().Int64("max-message-size", server.DefaultMaxMessageSize,
		"largest WebSocket message accepted from a client, in bytes")

	return cmd
}

func websocketOriginFunc(allowedOrigins []string) server.WebsocketOriginFunc {
	if len(allowedOrigins) == 0 {
		return nil
	}

	return func(request *http.Request) bool {
		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" || request.Header.Get("Origin") == allowedOrigin {
				return true
			}
		}

		return false
	}
}
