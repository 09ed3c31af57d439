package main

import (
	"fmt"
	"os"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "peerlink",
		Short:         "Peer-to-peer data sessions over WebRTC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PEERLINK_CONFIG"), "path to config.yaml")

	rootCmd.AddCommand(
		newDemoCommand(),
		newJoinCommand(),
		newTokenCommand(),
		newWatchCommand(),
		newDevicesCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logging.Level).Sugar(), nil
}

// sessionConfig maps the file config onto a session config.
func sessionConfig(cfg *config.Config) services.Config {
	sc := services.DefaultConfig()
	sc.LocalChannelLabel = cfg.Session.LocalChannelLabel
	sc.AutoReconnect = cfg.Session.AutoReconnect
	sc.ReconnectDelay = cfg.Session.ReconnectDelay
	sc.MaxReconnectAttempts = cfg.Session.MaxReconnectAttempts
	sc.ReconnectAttemptTimeout = cfg.Session.ReconnectAttemptTimeout
	for _, s := range cfg.WebRTC.ICEServers {
		sc.ICEServers = append(sc.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return sc
}
