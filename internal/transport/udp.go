package transport

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/quietloop/runtimehost/internal/dispatch"
	"github.com/quietloop/runtimehost/internal/wire"
)

// maxDatagramSize generously bounds a single UDP read; anything larger
// than the inbound command cap is rejected by wire.ReadTextDatagram
// regardless.
const maxDatagramSize = 65536

// UDPServer runs the single-loop UDP datagram demultiplexer. Each
// datagram is independently classified by its first byte, same as a
// fresh TCP connection, since UDP has no connection to pin a decision
// to.
type UDPServer struct {
	Conn       *net.UDPConn
	Dispatcher Dispatcher
	Metrics    MetricsSink
	Log        *zap.Logger
}

// Serve reads datagrams until the connection is closed or ctx is
// canceled.
func (s *UDPServer) Serve(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return err
			}
			s.Log.Debug("udp read error", zap.Error(err))
			continue
		}
		s.Metrics.IncrementOne("udp_rx_datagram_count")
		s.Metrics.AddBytes("udp_rx_bytes", n)

		if n > 0 && wire.LooksBinary(buf[0]) {
			s.handleBinary(addr, buf[:n])
			continue
		}
		s.Metrics.IncrementOne("codec_frame_parse_count")

		line, err := wire.ReadTextDatagram(buf[:n])
		if err != nil {
			s.Metrics.IncrementOne("codec_error_count")
			s.Metrics.IncrementOne("rejected_command_count")
			s.reply(addr, wire.CodecCommandTooLarge+"\n")
			continue
		}

		reply, _ := s.Dispatcher.DispatchText(ctx, dispatch.UDP, line)
		framed, oversized := wire.BuildTextReply(reply)
		if oversized {
			s.Metrics.IncrementOne("codec_error_count")
			s.Metrics.IncrementOne("rejected_command_count")
		}
		s.Metrics.IncrementOne("codec_frame_build_count")
		s.reply(addr, framed)
	}
}

func (s *UDPServer) handleBinary(addr *net.UDPAddr, payload []byte) {
	reply, ok, backpressured := s.Dispatcher.DispatchBinaryScheduled(payload)
	if backpressured {
		s.reply(addr, dispatch.ReplyBackpressure+"\n")
		return
	}
	if !ok {
		return
	}
	s.Metrics.IncrementOne("udp_tx_datagram_count")
	s.Metrics.AddBytes("udp_tx_bytes", len(reply))
	_, _ = s.Conn.WriteToUDP(reply, addr)
}

func (s *UDPServer) reply(addr *net.UDPAddr, framed string) {
	s.Metrics.IncrementOne("udp_tx_datagram_count")
	s.Metrics.AddBytes("udp_tx_bytes", len(framed))
	_, _ = s.Conn.WriteToUDP([]byte(framed), addr)
}
