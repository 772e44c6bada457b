package main

import (
	"github.com/gezibash/weft/internal/config"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/link/quiclink"
	"github.com/gezibash/weft/pkg/link/seriallink"
	"github.com/gezibash/weft/pkg/link/tcp"
	"github.com/gezibash/weft/pkg/link/tlslink"
	"github.com/gezibash/weft/pkg/link/udp"
	"github.com/gezibash/weft/pkg/link/ws"
)

// buildRegistry wires every transport adapter into a registry using
// the per-scheme options from the config.
func buildRegistry(cfg config.LinksConfig) *link.Registry {
	reg := link.NewRegistry()

	tcpOpts := tcp.Options{MTU: cfg.TCP.MTU}
	reg.RegisterDialer(tcp.NewDialer(tcpOpts))
	reg.RegisterListener(tcp.NewFactory(tcpOpts))

	udpOpts := udp.Options{MTU: cfg.UDP.MTU, AcceptBacklog: cfg.UDP.AcceptBacklog}
	reg.RegisterDialer(udp.NewDialer(udpOpts))
	reg.RegisterListener(udp.NewFactory(udpOpts))

	tlsOpts := tlslink.Options{
		MTU:        cfg.TLS.MTU,
		CertFile:   cfg.TLS.CertFile,
		KeyFile:    cfg.TLS.KeyFile,
		CAFile:     cfg.TLS.CAFile,
		ServerName: cfg.TLS.ServerName,
		Insecure:   cfg.TLS.Insecure,
	}
	reg.RegisterDialer(tlslink.NewDialer(tlsOpts))
	reg.RegisterListener(tlslink.NewFactory(tlsOpts))

	wsOpts := ws.Options{MTU: cfg.WS.MTU, Path: cfg.WS.Path}
	reg.RegisterDialer(ws.NewDialer(wsOpts))
	reg.RegisterListener(ws.NewFactory(wsOpts))

	quicOpts := quiclink.Options{
		MTU:      cfg.QUIC.MTU,
		CertFile: cfg.QUIC.CertFile,
		KeyFile:  cfg.QUIC.KeyFile,
		CAFile:   cfg.QUIC.CAFile,
		Insecure: cfg.QUIC.Insecure,
	}
	reg.RegisterDialer(quiclink.NewDialer(quicOpts))
	reg.RegisterListener(quiclink.NewFactory(quicOpts))

	serialOpts := seriallink.Options{MTU: cfg.Serial.MTU, BaudRate: cfg.Serial.BaudRate}
	reg.RegisterDialer(seriallink.NewDialer(serialOpts))
	reg.RegisterListener(seriallink.NewFactory(serialOpts))

	return reg
}
