package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quietloop/runtimehost/internal/dispatch"
)

// Config holds every runtime host knob, the equivalent options named in
// the host's external configuration surface.
type Config struct {
	Host               string
	TCPPort            int
	UDPPort            int
	RuntimeName        string
	DBPath             string
	ThreadCount        int
	TickInterval       time.Duration
	TaskBudget         int
	ScriptPath         string
	InterpreterCommand string
	DriftMode          dispatch.DriftMode

	// MetricsHTTPAddr, when nonempty, exposes the Prometheus collector
	// registry over HTTP in addition to the __METRICS__ text command.
	MetricsHTTPAddr string
}

// DefaultConfig returns the documented defaults: tcp_port 7337,
// udp_port tcp_port+1, thread_count 4, tick_interval_ms 50,
// task_budget 256, drift_mode none.
func DefaultConfig() Config {
	tcpPort := 7337
	return Config{
		Host:         "0.0.0.0",
		TCPPort:      tcpPort,
		UDPPort:      tcpPort + 1,
		RuntimeName:  "runtimehost",
		DBPath:       defaultDBPath(),
		ThreadCount:  4,
		TickInterval: 50 * time.Millisecond,
		TaskBudget:   256,
		ScriptPath:   defaultScriptPath(),
		DriftMode:    dispatch.DriftNone,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "runtimehost.db"
	}
	return filepath.Join(home, ".local", "state", "runtimehost", "state.db")
}

func defaultScriptPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "runtime_script.lua"
	}
	return filepath.Join(home, ".local", "state", "runtimehost", "runtime_script.lua")
}

// Validate applies the configured floors (thread_count >= 1,
// tick_interval >= 1ms, task_budget >= 1) and rejects an unrecognized
// drift mode.
func (c *Config) Validate() error {
	if c.ThreadCount < 1 {
		c.ThreadCount = 1
	}
	if c.TickInterval < time.Millisecond {
		c.TickInterval = time.Millisecond
	}
	if c.TaskBudget < 1 {
		c.TaskBudget = 1
	}
	if c.UDPPort == 0 {
		c.UDPPort = c.TCPPort + 1
	}
	if _, ok := dispatch.ParseDriftMode(string(c.DriftMode)); !ok {
		return fmt.Errorf("config: unrecognized drift_mode %q", c.DriftMode)
	}
	return nil
}
