package runtimehost

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/runtimehost/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startTestHost(t *testing.T) (cfg config.Config, stopped chan struct{}) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = freePort(t)
	cfg.UDPPort = freePort(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "runtime.db")
	cfg.ScriptPath = filepath.Join(t.TempDir(), "script.lua")

	ctx, cancel := context.WithCancel(context.Background())
	host, err := New(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ready := make(chan struct{})

	stopped = make(chan struct{})
	go func() {
		host.Run(ctx, bannerSignal{ready})
		close(stopped)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("host did not become ready in time")
	}

	t.Cleanup(func() {
		host.RequestStop()
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
		}
	})
	return cfg, stopped
}

// bannerSignal implements io.Writer, closing ready on the first Write
// (the startup banner line) so tests can synchronize on "both sockets
// are listening" instead of sleeping.
type bannerSignal struct {
	ready chan struct{}
}

func (b bannerSignal) Write(p []byte) (int, error) {
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	return len(p), nil
}

func dialTCPLine(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(reply, "\r\n")
}

func TestLifecycleTCPConnPing(t *testing.T) {
	cfg, _ := startTestHost(t)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	if got := dialTCPLine(t, addr, "M1_CONN_PING"); got != "M1_CONN_PONG" {
		t.Fatalf("reply = %q, want M1_CONN_PONG", got)
	}
}

func TestLifecycleUDPPing(t *testing.T) {
	cfg, _ := startTestHost(t)
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.UDPPort)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("M1_UDP_PING\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.TrimRight(string(buf[:n]), "\r\n"); got != "M1_UDP_PONG" {
		t.Fatalf("reply = %q, want M1_UDP_PONG", got)
	}
}

func TestLifecycleBinaryFixtureOverTCP(t *testing.T) {
	cfg, _ := startTestHost(t)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))

	raw, err := hex.DecodeString("0a03666f6f10071801")
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(raw))
	n, err := readFullForTest(conn, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := hex.EncodeToString(buf[:n])
	if got != "0a03464f4f10071801" {
		t.Fatalf("binary reply = %s, want 0a03464f4f10071801", got)
	}
}

func TestLifecycleOversizeLineRejectedWithoutClosingConnection(t *testing.T) {
	cfg, _ := startTestHost(t)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	oversize := strings.Repeat("A", 4096) + "\n"
	if _, err := conn.Write([]byte(oversize)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimRight(reply, "\r\n") != "ERR_CODEC_COMMAND_TOO_LARGE" {
		t.Fatalf("reply = %q, want ERR_CODEC_COMMAND_TOO_LARGE", reply)
	}

	// Connection should remain open: a follow-up command still gets a reply.
	if _, err := conn.Write([]byte("M1_CONN_PING\n")); err != nil {
		t.Fatalf("write after oversize: %v", err)
	}
	reply, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read after oversize: %v", err)
	}
	if strings.TrimRight(reply, "\r\n") != "M1_CONN_PONG" {
		t.Fatalf("reply after oversize = %q, want M1_CONN_PONG", reply)
	}
}

func TestLifecycleStopCommandClosesConnectionAndHaltsRun(t *testing.T) {
	cfg, stopped := startTestHost(t)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	if got := dialTCPLine(t, addr, "__STOP__"); got != "__STOP_OK__" {
		t.Fatalf("reply = %q, want __STOP_OK__", got)
	}
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after __STOP__")
	}
}

func readFullForTest(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

