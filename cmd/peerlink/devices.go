package main

import (
	"fmt"
	"text/tabwriter"

	pionbackend "peerlink/internal/infrastructure/webrtc"

	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the media sources the WebRTC backend can capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := pionbackend.NewBackend(pionbackend.Config{}, log)
			if err != nil {
				return err
			}
			devices, err := backend.EnumerateDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tLABEL")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Kind, d.DeviceID, d.Label)
			}
			return w.Flush()
		},
	}
}
