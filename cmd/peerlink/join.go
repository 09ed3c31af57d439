package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/monitoring"
	relay "peerlink/internal/infrastructure/signal"
	pionbackend "peerlink/internal/infrastructure/webrtc"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type joinOptions struct {
	room      string
	peerID    string
	token     string
	signalURL string
	initiator bool
	label     string
}

func newJoinCommand() *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a relay room and chat over a data channel",
		Long: "Join a relay room with a pion WebRTC session. Lines read from stdin are sent on the\n" +
			"data channel and received messages are printed to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.room, "room", "r", "", "room to join")
	cmd.Flags().StringVar(&opts.peerID, "peer-id", "", "peer ID to claim in the room")
	cmd.Flags().StringVar(&opts.token, "token", "", "room token when the relay requires auth")
	cmd.Flags().StringVar(&opts.signalURL, "signal-url", "", "relay websocket URL (defaults to signal.url)")
	cmd.Flags().BoolVar(&opts.initiator, "initiator", false, "send the offer and open the data channel")
	cmd.Flags().StringVar(&opts.label, "label", "chat", "data channel label used by the initiator")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runJoin(cmd *cobra.Command, opts *joinOptions) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	bcfg := pionbackend.Config{
		DisconnectedTimeout: cfg.WebRTC.DisconnectedTimeout,
		FailedTimeout:       cfg.WebRTC.FailedTimeout,
	}
	bcfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	bcfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	backend, err := pionbackend.NewBackend(bcfg, log)
	if err != nil {
		return err
	}

	sc := sessionConfig(cfg)
	if opts.initiator {
		sc.LocalChannelLabel = opts.label
	} else {
		sc.LocalChannelLabel = ""
	}

	sessionOpts := []services.Option{services.WithLogger(log)}
	if cfg.Monitoring.PrometheusEnabled {
		sessionOpts = append(sessionOpts, services.WithMetrics(monitoring.NewPrometheusCollector(nil)))
	}
	session, err := services.NewSessionManager(backend, sc, sessionOpts...)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()
		mirror := distributed.NewEventMirror(client, distributed.MirrorConfig{ChannelPrefix: cfg.Redis.ChannelPrefix}, log)
		defer mirror.Close()
		defer mirror.Attach(session).Unsubscribe()
	}

	out := cmd.OutOrStdout()
	session.OnStateChange(func(e services.StateChangeEvent) {
		fmt.Fprintf(out, "* %s\n", e.State)
	})
	session.OnDataChannelOpen(func(e services.DataChannelOpenEvent) {
		fmt.Fprintf(out, "* channel %q open\n", e.Channel.Label())
	})
	session.OnDataChannelMessage(func(e services.DataChannelMessageEvent) {
		fmt.Fprintf(out, "< %s\n", e.Message.Data)
	})
	session.OnReconnecting(func(e services.ReconnectingEvent) {
		fmt.Fprintf(out, "* reconnecting (attempt %d)\n", e.Attempt)
	})

	url := opts.signalURL
	if url == "" {
		url = cfg.Signal.URL
	}
	client := relay.NewClient(relay.ClientConfig{
		URL:                url,
		RoomID:             opts.room,
		PeerID:             opts.peerID,
		Token:              opts.token,
		Initiator:          opts.initiator,
		Dial:               retry.DefaultConfig(),
		WriteTimeout:       cfg.Signal.WriteTimeout,
		NegotiationTimeout: sc.ReconnectAttemptTimeout,
	}, session, log)
	if err := client.Connect(ctx); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
			return fmt.Errorf("%w (issue a token with `peerlink token --room %s`)", err, opts.room)
		}
		return err
	}
	defer client.Close()
	fmt.Fprintf(out, "* joined room %s as %s\n", opts.room, client.PeerID())

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !sendOnAny(session, line) {
				fmt.Fprintln(out, "* no open channel, message dropped")
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// sendOnAny sends text on the first channel that accepts it.
func sendOnAny(session *services.SessionManager, text string) bool {
	for _, label := range session.Labels() {
		if session.SendText(label, text) {
			return true
		}
	}
	return false
}
