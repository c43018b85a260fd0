// Command rudp-echo-server accepts any number of client associations on
// one UDP port and echoes every application payload back to its sender.
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rudp/eventloop"
	"rudp/netio"
	"rudp/pkg/logger"
	"rudp/pkg/metrics"
	"rudp/protocol"
	"rudp/server"
)

const version = "1.0.0"

type config struct {
	ListenAddr  string
	MetricsAddr string
}

func loadConfig() config {
	return config{
		ListenAddr:  "0.0.0.0:7777",
		MetricsAddr: ":9100",
	}
}

func main() {
	logger.Banner("rudp echo server", version)
	cfg := loadConfig()

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("resolve listen address: %v", err)
	}
	ep, err := netio.ListenUDP(laddr)
	if err != nil {
		logger.Fatal("listen: %v", err)
	}
	logger.Info("Listening on %s", ep.LocalAddr())

	loop := eventloop.New()
	defer loop.Stop()

	collector := metrics.NewPeerCollector("rudp")
	prometheus.MustRegister(collector)
	go serveMetrics(cfg.MetricsAddr)

	d := server.New(ep, loop, nil, logger.Base(), server.Callbacks{
		PeerNew: func(p *protocol.Peer) {
			logger.Info("peer established: %s", p.Remote)
		},
		PeerDropped: func(p *protocol.Peer) {
			logger.Info("peer dropped: %s", p.Remote)
		},
		HandlePacket: func(p *protocol.Peer, subCmd byte, data []byte) {
			loop.Post(func() {
				if err := p.EnqueueApp(subCmd, data, true); err != nil {
					logger.Warn("echo enqueue failed for %s: %v", p.Remote, err)
				}
			})
		},
	}, collector)

	go d.Serve()
	logger.Success("Server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Warn("received signal: %v", sig)
	logger.Info("shutting down gracefully...")
	closed := make(chan struct{})
	loop.Post(func() {
		d.Close()
		close(closed)
	})
	<-closed
	logger.Success("server stopped")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server: %v", err)
	}
}
