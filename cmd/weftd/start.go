package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/weft/internal/config"
	"github.com/gezibash/weft/internal/observability"
	"github.com/gezibash/weft/internal/session"
	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/transport"
)

func newStartCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the transport daemon",
		Long: `Start the transport daemon.

Examples:
  weftd start --listen tcp/0.0.0.0:7447          # single listener
  weftd start --listen udp/[::]:7447 \
              --connect tcp/peer.example:7447    # listen and dial
  weftd start --compression --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runStart(cmd.Context(), cfg)
		},
	}

	config.BindStartFlags(cmd, v)
	return cmd
}

func runStart(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	log := obs.Logger

	if cfg.Observability.MetricsAddr != "" {
		obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)
	}

	scfg := session.Config{
		SeqNumRes:        cfg.Transport.SeqNumResolution,
		Lease:            cfg.Transport.Lease,
		Grace:            cfg.Transport.Grace,
		KeepAliveFactor:  cfg.Transport.KeepAliveFactor,
		QueueSize:        cfg.Transport.QueueSize,
		ReorderWindow:    cfg.Transport.ReorderWindow,
		DefragLimit:      cfg.Transport.DefragLimit,
		DrainTimeout:     cfg.Transport.DrainTimeout,
		Multilink:        cfg.Transport.Multilink,
		Compression:      cfg.Transport.Compression,
		MaxSessions:      cfg.Transport.MaxSessions,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		Logger:           log,
		Metrics:          obs.Metrics,
	}
	if cfg.Zid != "" {
		zid, err := transport.ParseZid(cfg.Zid)
		if err != nil {
			return fmt.Errorf("parse zid: %w", err)
		}
		scfg.Zid = zid
	}
	if bs := cfg.Transport.BatchSize; bs > 0 && bs <= 65535 {
		scfg.BatchSize = uint16(bs)
	}

	handler := session.HandlerFuncs{
		OnMessage: func(s *session.Session, msg transport.Message) {
			log.Debug("message received",
				"peer", s.Peer(),
				"priority", msg.Priority,
				"reliability", msg.Reliability,
				"size", len(msg.Payload))
		},
		OnClosed: func(s *session.Session, err error) {
			log.Info("session closed", "peer", s.Peer(), "reason", err)
		},
	}

	reg := buildRegistry(cfg.Links)
	mgr, err := session.NewManager(scfg, reg, handler)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	obs.Shutdown.Register("session-manager", func(context.Context) error {
		return mgr.Close()
	})

	listenEPs, err := endpoint.ParseAll(cfg.Listen)
	if err != nil {
		return fmt.Errorf("parse listen endpoints: %w", err)
	}
	for _, ep := range listenEPs {
		if err := mgr.Listen(ep); err != nil {
			_ = obs.Close(context.Background())
			return fmt.Errorf("listen %s: %w", ep, err)
		}
		log.Info("listening", "endpoint", ep.String())
	}

	connectEPs, err := endpoint.ParseAll(cfg.Connect)
	if err != nil {
		return fmt.Errorf("parse connect endpoints: %w", err)
	}
	for _, ep := range connectEPs {
		op, opCtx := observability.StartOperation(ctx, obs.Metrics, "session.open",
			attribute.String("endpoint", ep.String()))
		sess, err := mgr.Open(opCtx, ep)
		op.End(err)
		if err != nil {
			log.Warn("connect failed", "endpoint", ep.String(), "error", err)
			continue
		}
		log.Info("session established", "peer", sess.Peer(), "endpoint", ep.String())
	}

	log.Info("weftd started",
		"zid", mgr.Zid(),
		"listen", len(listenEPs),
		"schemes", reg.Schemes())

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return obs.Close(shutdownCtx)
}
