// Command runtimehost-healthcheck is a thin probe client implementing
// the watchdog's healthcheck contract against a running runtimehostd:
// it dials TCP (and optionally UDP), sends the M1 ping commands, and
// can additionally pull __METRICS__ and assert threshold flags. It
// carries no restart policy; that remains the watchdog's job.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/quietloop/runtimehost/internal/dispatch"
)

type report struct {
	TCPOK             bool    `json:"tcp_ok"`
	UDPOK             bool    `json:"udp_ok,omitempty"`
	UDPChecked        bool    `json:"udp_checked"`
	ErrorCount        float64 `json:"error_count,omitempty"`
	TimerTickCount    float64 `json:"timer_tick_count,omitempty"`
	IOPollCount       float64 `json:"io_poll_count,omitempty"`
	ThresholdsChecked bool    `json:"thresholds_checked"`
	Healthy           bool    `json:"healthy"`
	Detail            string  `json:"detail,omitempty"`
}

func main() {
	host := flag.String("host", "127.0.0.1", "runtime host address")
	tcpPort := flag.Int("tcp-port", 7337, "TCP port to probe")
	udpPort := flag.Int("udp-port", 0, "UDP port to probe (default tcp-port+1)")
	requireUDP := flag.Bool("require-udp", false, "fail if the UDP probe does not succeed")
	checkMetrics := flag.Bool("check-metrics", false, "fetch __METRICS__ and evaluate threshold flags")
	maxErrorCount := flag.Int64("max-error-count", -1, "fail if error_count exceeds this value (-1 disables)")
	minTimerTickCount := flag.Int64("min-timer-tick-count", -1, "fail if timer_tick_count is below this value (-1 disables)")
	minIOPollCount := flag.Int64("min-io-poll-count", -1, "fail if io_poll_count is below this value (-1 disables)")
	timeout := flag.Duration("timeout", 3*time.Second, "dial and round-trip timeout")
	jsonOutput := flag.Bool("json-output", false, "print the report as JSON instead of a line summary")
	flag.Parse()

	if *udpPort == 0 {
		*udpPort = *tcpPort + 1
	}

	rep := report{UDPChecked: *requireUDP}
	ok := true

	tcpAddr := net.JoinHostPort(*host, fmt.Sprintf("%d", *tcpPort))
	if reply, err := probeTCP(tcpAddr, dispatch.CmdConnPing, *timeout); err == nil && reply == dispatch.ReplyConnPong {
		rep.TCPOK = true
	} else {
		ok = false
		rep.Detail = appendDetail(rep.Detail, fmt.Sprintf("tcp probe failed: %v", err))
	}

	if *requireUDP {
		rep.UDPChecked = true
		udpAddr := net.JoinHostPort(*host, fmt.Sprintf("%d", *udpPort))
		if reply, err := probeUDP(udpAddr, dispatch.CmdUDPPing, *timeout); err == nil && reply == dispatch.ReplyUDPPong {
			rep.UDPOK = true
		} else {
			ok = false
			rep.Detail = appendDetail(rep.Detail, fmt.Sprintf("udp probe failed: %v", err))
		}
	}

	if *checkMetrics {
		rep.ThresholdsChecked = true
		snap, err := fetchMetrics(tcpAddr, *timeout)
		if err != nil {
			ok = false
			rep.Detail = appendDetail(rep.Detail, fmt.Sprintf("metrics fetch failed: %v", err))
		} else {
			rep.ErrorCount = snap["error_count"]
			rep.TimerTickCount = snap["timer_tick_count"]
			rep.IOPollCount = snap["io_poll_count"]
			if *maxErrorCount >= 0 && int64(snap["error_count"]) > *maxErrorCount {
				ok = false
				rep.Detail = appendDetail(rep.Detail, "error_count exceeds max")
			}
			if *minTimerTickCount >= 0 && int64(snap["timer_tick_count"]) < *minTimerTickCount {
				ok = false
				rep.Detail = appendDetail(rep.Detail, "timer_tick_count below min")
			}
			if *minIOPollCount >= 0 && int64(snap["io_poll_count"]) < *minIOPollCount {
				ok = false
				rep.Detail = appendDetail(rep.Detail, "io_poll_count below min")
			}
		}
	}

	rep.Healthy = ok
	if *jsonOutput {
		body, _ := json.Marshal(rep)
		fmt.Println(string(body))
	} else if ok {
		fmt.Println("OK")
	} else {
		fmt.Println("FAIL: " + rep.Detail)
	}

	if !ok {
		os.Exit(1)
	}
}

func appendDetail(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

func probeTCP(addr, cmd string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func probeUDP(addr, cmd string, timeout time.Duration) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}

func fetchMetrics(tcpAddr string, timeout time.Duration) (map[string]float64, error) {
	reply, err := probeTCP(tcpAddr, dispatch.CmdMetrics, timeout)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(reply), &raw); err != nil {
		return nil, fmt.Errorf("decode metrics json: %w", err)
	}
	snap := make(map[string]float64, len(raw))
	for k, v := range raw {
		if n, ok := v.(float64); ok {
			snap[k] = n
		}
	}
	return snap, nil
}
