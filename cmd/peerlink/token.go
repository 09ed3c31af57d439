package main

import (
	"fmt"

	relay "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/validation"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var room, peerID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a room token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validation.ValidateNonEmptyString(cfg.Auth.JWTSecret, "auth.jwt_secret"); err != nil {
				return err
			}
			if err := validation.ValidateRoomID(room); err != nil {
				return err
			}
			token, err := relay.NewTokenAuthority(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Issue(room, peerID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&room, "room", "r", "", "room the token admits")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "token subject")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
