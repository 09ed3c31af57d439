package main

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/loopback"

	"github.com/spf13/cobra"
)

func newDemoCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Connect two in-process sessions and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			return runDemo(cmd.Context(), count, func(format string, a ...any) {
				fmt.Fprintf(cmd.OutOrStdout(), format+"\n", a...)
			})
		},
	}
	cmd.Flags().IntVarP(&count, "messages", "n", 3, "messages to send each way")
	return cmd
}

func runDemo(ctx context.Context, count int, printf func(string, ...any)) error {
	network := loopback.NewNetwork()

	aliceCfg := services.DefaultConfig()
	aliceCfg.LocalChannelLabel = "chat"
	alice, err := services.NewSessionManager(network.Backend("alice"), aliceCfg, services.WithSessionID("alice"))
	if err != nil {
		return err
	}
	defer alice.Reset()
	bob, err := services.NewSessionManager(network.Backend("bob"), services.DefaultConfig(), services.WithSessionID("bob"))
	if err != nil {
		return err
	}
	defer bob.Reset()

	received := make(chan string, 2*count)
	opened := make(chan struct{}, 2)
	for _, pair := range [][2]*services.SessionManager{{alice, bob}, {bob, alice}} {
		from, to := pair[0], pair[1]
		from.OnICECandidate(func(e services.ICECandidateEvent) {
			if e.Candidate != nil {
				_ = to.AddICECandidate(context.Background(), *e.Candidate)
			}
		})
		from.OnStateChange(func(e services.StateChangeEvent) {
			printf("[%s] %s -> %s", e.SessionID, e.Previous, e.State)
		})
		from.OnDataChannelOpen(func(e services.DataChannelOpenEvent) {
			opened <- struct{}{}
		})
		from.OnDataChannelMessage(func(e services.DataChannelMessageEvent) {
			received <- fmt.Sprintf("[%s] received %q", e.SessionID, e.Message.Data)
		})
	}

	for _, m := range []*services.SessionManager{alice, bob} {
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		if err := m.Connect(ctx); err != nil {
			return err
		}
	}

	offer, err := alice.CreateOffer(ctx)
	if err != nil {
		return err
	}
	if err := alice.SetLocalDescription(ctx, offer); err != nil {
		return err
	}
	if err := bob.SetRemoteDescription(ctx, offer); err != nil {
		return err
	}
	answer, err := bob.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := bob.SetLocalDescription(ctx, answer); err != nil {
		return err
	}
	if err := alice.SetRemoteDescription(ctx, answer); err != nil {
		return err
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-timeout:
			return fmt.Errorf("data channel did not open (alice %s, bob %s)", alice.State(), bob.State())
		}
	}

	for i := 0; i < count; i++ {
		alice.SendText("chat", fmt.Sprintf("ping %d", i))
		bob.SendText("chat", fmt.Sprintf("pong %d", i))
	}
	for i := 0; i < 2*count; i++ {
		select {
		case line := <-received:
			printf("%s", line)
		case <-timeout:
			return fmt.Errorf("timed out after %d of %d messages", i, 2*count)
		}
	}

	alice.Disconnect()
	if alice.State() != domain.StateDisconnected {
		return fmt.Errorf("unexpected state after disconnect: %s", alice.State())
	}
	return nil
}
