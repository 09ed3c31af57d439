package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"peerlink/internal/infrastructure/distributed"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print session events mirrored to redis by other peerlink processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Address, err)
			}

			mirror := distributed.NewEventMirror(client, distributed.MirrorConfig{ChannelPrefix: cfg.Redis.ChannelPrefix}, log)
			defer mirror.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = mirror.Subscribe(ctx, func(e distributed.Event) error {
				return enc.Encode(e)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
