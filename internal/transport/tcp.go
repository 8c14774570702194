// Package transport implements the dual TCP/UDP front door: accepting
// connections and datagrams, demultiplexing the text and binary wire
// protocols on the first byte, and handing parsed commands to a
// runtimehost.Host.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quietloop/runtimehost/internal/dispatch"
	"github.com/quietloop/runtimehost/internal/wire"
)

// Dispatcher is the subset of runtimehost.Host the transport layer
// depends on, kept narrow so transport tests can fake it. TCP binary
// frames use DispatchBinary (inline, unscheduled); UDP binary
// datagrams use DispatchBinaryScheduled, which counts against the
// task budget like any other datagram.
type Dispatcher interface {
	DispatchText(ctx context.Context, kind dispatch.TransportKind, line string) (reply string, closeConn bool)
	DispatchBinary(data []byte) (reply []byte, ok bool)
	DispatchBinaryScheduled(data []byte) (reply []byte, ok bool, backpressured bool)
}

// MetricsSink is the narrow counter-increment surface the transport
// layer needs; runtimehost.Host satisfies it via its metrics registry.
type MetricsSink interface {
	IncrementOne(name string)
	Increment(name string, delta int64)
	AddBytes(name string, n int)
	AdjustActiveConnections(delta int64)
}

// TCPServer accepts connections, demultiplexes the first byte of each
// one into the binary or text protocol, and runs the text protocol's
// line loop for the connection's lifetime.
type TCPServer struct {
	Listener   net.Listener
	Dispatcher Dispatcher
	Metrics    MetricsSink
	Log        *zap.Logger

	conns sync.WaitGroup
}

// Serve runs the accept loop until the listener is closed or ctx is
// canceled. It always returns a non-nil error (net.ErrClosed on a
// clean shutdown).
func (s *TCPServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return err
			}
			return err
		}
		s.Metrics.IncrementOne("accepted_connections")
		s.Metrics.IncrementOne("tcp_accept_count")
		s.conns.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Drain blocks until every connection accepted by Serve has returned
// from handleConn, or until ctx is done, whichever comes first.
func (s *TCPServer) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	s.Metrics.AdjustActiveConnections(1)
	defer func() {
		conn.Close()
		s.Metrics.AdjustActiveConnections(-1)
		s.conns.Done()
	}()

	log := s.Log.With(zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	reader := bufio.NewReader(conn)
	first, err := reader.Peek(1)
	if err != nil {
		log.Debug("connection closed before first byte")
		return
	}

	if wire.LooksBinary(first[0]) {
		s.handleBinaryOnce(conn, reader, log)
		return
	}
	s.handleTextLoop(ctx, conn, reader, log)
}

func (s *TCPServer) handleBinaryOnce(conn net.Conn, reader *bufio.Reader, log *zap.Logger) {
	buf := make([]byte, len(wire.CanonicalPingBytes))
	if _, err := readFull(reader, buf); err != nil {
		s.Metrics.IncrementOne("rejected_command_count")
		log.Debug("incomplete binary frame", zap.Error(err))
		return
	}
	s.Metrics.AddBytes("tcp_rx_bytes", len(buf))
	s.Metrics.IncrementOne("tcp_rx_packet_count")
	reply, ok := s.Dispatcher.DispatchBinary(buf)
	if !ok {
		return
	}
	s.Metrics.AddBytes("tcp_tx_bytes", len(reply))
	s.Metrics.IncrementOne("tcp_tx_packet_count")
	_, _ = conn.Write(reply)
}

func (s *TCPServer) handleTextLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader, log *zap.Logger) {
	for {
		line, err := wire.ReadTextCommand(reader)
		if err != nil {
			if errors.Is(err, wire.ErrCommandTooLarge) {
				s.Metrics.IncrementOne("codec_frame_parse_count")
				s.Metrics.IncrementOne("codec_error_count")
				s.Metrics.IncrementOne("rejected_command_count")
				s.writeRaw(conn, wire.CodecCommandTooLarge+"\n")
				continue
			}
			if errors.Is(err, wire.ErrIncompleteFrame) {
				s.Metrics.IncrementOne("rejected_command_count")
			}
			return
		}
		s.Metrics.IncrementOne("codec_frame_parse_count")
		s.Metrics.IncrementOne("tcp_rx_packet_count")
		s.Metrics.AddBytes("tcp_rx_bytes", len(line))

		reply, closeConn := s.Dispatcher.DispatchText(ctx, dispatch.TCP, line)
		s.writeTextReply(conn, reply)
		if closeConn {
			return
		}
	}
}

// writeTextReply frames a dispatched reply, counting the build and any
// oversize substitution.
func (s *TCPServer) writeTextReply(conn net.Conn, body string) {
	framed, oversized := wire.BuildTextReply(body)
	if oversized {
		s.Metrics.IncrementOne("codec_error_count")
		s.Metrics.IncrementOne("rejected_command_count")
	}
	s.Metrics.IncrementOne("codec_frame_build_count")
	s.writeRaw(conn, framed)
}

// writeRaw writes an already-framed line, counting only the transmit
// metrics (error replies do not count as built frames).
func (s *TCPServer) writeRaw(conn net.Conn, framed string) {
	s.Metrics.IncrementOne("tcp_tx_packet_count")
	s.Metrics.AddBytes("tcp_tx_bytes", len(framed))
	_, _ = conn.Write([]byte(framed))
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// DialTimeout is a connect timeout for clients dialing the host.
// cmd/runtimehost-healthcheck does not use it; it takes its own
// --timeout flag, which also defaults to 3s.
const DialTimeout = 3 * time.Second
