package runtimehost

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/runtimehost/internal/concurrency"
	"github.com/quietloop/runtimehost/internal/transport"
)

// drainTimeout bounds how long Run waits for in-flight tasks and open
// TCP connections to finish once shutdown begins; stragglers past the
// deadline are abandoned.
const drainTimeout = 2 * time.Second

// Run starts both listeners and the tick loop, writes the startup
// banner to banner once both sockets are accepting, and blocks until
// StopRequested fires (via __STOP__ or RequestStop, which the caller
// wires to SIGINT/SIGTERM) or ctx is done. On return, every resource
// opened by Run has been closed in this order: tick loop, then TCP acceptor
// (drained), then UDP endpoint, then a bounded wait for in-flight
// tasks, then the store.
func (h *Host) Run(ctx context.Context, banner io.Writer) error {
	tcpAddr := net.JoinHostPort(h.cfg.Host, fmt.Sprintf("%d", h.cfg.TCPPort))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("runtimehost: listen tcp: %w", err)
	}

	udpAddr := net.JoinHostPort(h.cfg.Host, fmt.Sprintf("%d", h.cfg.UDPPort))
	resolvedUDP, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("runtimehost: resolve udp: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", resolvedUDP)
	if err != nil {
		ln.Close()
		return fmt.Errorf("runtimehost: listen udp: %w", err)
	}

	tcpSrv := &transport.TCPServer{Listener: ln, Dispatcher: h, Metrics: h.metrics, Log: h.log}
	udpSrv := &transport.UDPServer{Conn: udpConn, Dispatcher: h, Metrics: h.metrics, Log: h.log}

	tickCtx, stopTick := context.WithCancel(ctx)
	go concurrency.TickLoop(tickCtx, h.metrics, h.cfg.TickInterval)

	tcpDone := make(chan struct{})
	go func() {
		defer close(tcpDone)
		if err := tcpSrv.Serve(ctx); err != nil {
			h.log.Debug("tcp accept loop stopped", zap.Error(err))
		}
	}()
	udpDone := make(chan struct{})
	go func() {
		defer close(udpDone)
		if err := udpSrv.Serve(ctx); err != nil {
			h.log.Debug("udp loop stopped", zap.Error(err))
		}
	}()

	fmt.Fprintf(banner, "runtime_host_server_ready host=%s tcp_port=%d udp_port=%d runtime=%s\n",
		h.cfg.Host, h.cfg.TCPPort, h.cfg.UDPPort, h.cfg.RuntimeName)
	if f, ok := banner.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}

	select {
	case <-h.StopRequested():
	case <-ctx.Done():
	}

	h.log.Info("shutdown: stopping tick loop")
	stopTick()

	h.log.Info("shutdown: closing tcp acceptor")
	ln.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	tcpSrv.Drain(drainCtx)
	cancelDrain()
	<-tcpDone

	h.log.Info("shutdown: closing udp endpoint")
	udpConn.Close()
	<-udpDone

	taskCtx, cancelTasks := context.WithTimeout(context.Background(), drainTimeout)
	if !h.drainTasks(taskCtx) {
		h.log.Warn("shutdown: abandoning in-flight tasks")
	}
	cancelTasks()

	h.log.Info("shutdown: closing store")
	if err := h.Close(); err != nil {
		h.log.Error("store close failed", zap.Error(err))
		return err
	}
	return nil
}
