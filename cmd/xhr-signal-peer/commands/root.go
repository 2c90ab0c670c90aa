package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/peer"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/pkg/pollclient"
)

const requestTimeout = 30 * time.Second

// NewRootCmd returns the demo peer command. It pairs with another peer under
// a shared key, opens a data channel and then bridges stdin/stdout over it.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xhr-signal-peer",
		Short: "WebRTC data channel peer signaling through the XHR relay",
		Args:  cobra.NoArgs,
		RunE:  runPeer,
	}
	registerFlags(cmd.Flags())
	return cmd
}

func runPeer(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd.Flags(), ".")
	if err != nil {
		return err
	}
	cfg, err := loadPeerConfig(v)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
}

func run(ctx context.Context, cfg peerConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	api, err := peer.NewAPI(peer.APIConfig{
		LoggerFactory: peer.SlogLoggerFactory{Logger: logger},
		UDPPortMin:    cfg.UDPPortMin,
		UDPPortMax:    cfg.UDPPortMax,
	})
	if err != nil {
		return err
	}

	tr, err := pollclient.NewHTTPTransport(cfg.ServerURL, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return err
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	p, err := peer.New(tr, peer.Config{
		API:        api,
		ICEServers: iceServers,
		Label:      cfg.Label,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Debug("peer close", "err", err)
		}
	}()

	if err := p.Start(ctx, cfg.Key); err != nil {
		return fmt.Errorf("pair: %w", err)
	}
	logger.Info("paired, negotiating", "server", cfg.ServerURL)

	openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	dc, err := p.DataChannel(openCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("open data channel: %w", err)
	}
	logger.Info("data channel open", "label", dc.Label(), "offerer", p.Offerer())

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		_, _ = fmt.Fprintln(out, string(msg.Data))
	})

	inputDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if err := dc.SendText(sc.Text()); err != nil {
				inputDone <- fmt.Errorf("send: %w", err)
				return
			}
		}
		inputDone <- sc.Err()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-p.Done():
		logger.Info("session ended", "err", p.Err())
		return nil
	case err := <-inputDone:
		return err
	}
}
