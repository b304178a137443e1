// ABOUTME: Minimal fake agent for E2E testing: dials the endpoint over TLS, handshakes, and pings.
// ABOUTME: Usage: fake-agent [-addr localhost:443] [-id e2e-agent] [-ca endpoint.crt] [-interval 5s]
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/2389/coven-endpoint/internal/builtins"
	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/tlsutil"
	"github.com/2389/coven-endpoint/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:443", "endpoint address")
	agentID := flag.String("id", "e2e-agent", "agent ID")
	caFile := flag.String("ca", "", "CA or self-signed certificate to trust")
	certFile := flag.String("cert", "", "client certificate for mTLS")
	keyFile := flag.String("key", "", "client key for mTLS")
	insecure := flag.Bool("insecure", false, "skip certificate verification")
	interval := flag.Duration("interval", 5*time.Second, "ping interval (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tlsCfg, err := tlsutil.LoadClientConfig(tlsutil.ClientOptions{
		CAFile:             *caFile,
		CertFile:           *certFile,
		KeyFile:            *keyFile,
		InsecureSkipVerify: *insecure,
	})
	if err != nil {
		logger.Error("loading TLS config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *agentID, tlsCfg, *interval, logger); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, agentID string, tlsCfg *tls.Config, interval time.Duration, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	c, welcome, err := conn.Dial(dialCtx, addr, tlsCfg, agentID, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	fmt.Fprintf(os.Stderr, "registered as %s (instance: %s, features: %v)\n",
		agentID, welcome.InstanceID, welcome.Manifest.Names())

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var seq uint64
	sent := make(map[uint64]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil // graceful shutdown

		case <-c.Done():
			return errors.New("endpoint closed the connection")

		case <-tick:
			ping, err := wire.New(seq, builtins.TypePing, "", map[string]uint64{"seq": seq})
			if err != nil {
				return err
			}
			if err := c.Send(ctx, ping); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
			sent[seq] = time.Now()
			seq++

		case env, ok := <-c.Incoming():
			if !ok {
				return nil
			}
			if env.Type != builtins.TypePong {
				logger.Info("received message", "type", env.Type, "id", env.ID, "from", env.Source.ID)
				continue
			}
			var pong builtins.PongPayload
			if err := env.Decode(&pong); err != nil {
				logger.Warn("bad pong", "error", err)
				continue
			}
			if at, ok := sent[pong.ReplyTo]; ok {
				delete(sent, pong.ReplyTo)
				logger.Info("pong", "reply_to", pong.ReplyTo, "rtt", time.Since(at).Round(time.Microsecond))
			}
		}
	}
}
