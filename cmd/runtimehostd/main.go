// Command runtimehostd runs the runtime host's dual TCP/UDP command
// server: it wires internal/config, internal/runtimehost and
// internal/promexport together, installs signal handling, and blocks
// until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quietloop/runtimehost/internal/config"
	"github.com/quietloop/runtimehost/internal/dispatch"
	"github.com/quietloop/runtimehost/internal/promexport"
	"github.com/quietloop/runtimehost/internal/runtimehost"
)

func main() {
	cfg := config.DefaultConfig()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "bind address for both listeners")
	flag.IntVar(&cfg.TCPPort, "tcp-port", cfg.TCPPort, "TCP listen port")
	flag.IntVar(&cfg.UDPPort, "udp-port", 0, "UDP listen port (default tcp-port+1)")
	flag.StringVar(&cfg.RuntimeName, "runtime-name", cfg.RuntimeName, "runtime identifier reported in metrics and the startup banner")
	flag.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the embedded state database")
	flag.IntVar(&cfg.ThreadCount, "thread-count", cfg.ThreadCount, "number of routable threads")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "timer tick period")
	flag.IntVar(&cfg.TaskBudget, "task-budget", cfg.TaskBudget, "maximum concurrently scheduled dispatch units")
	flag.StringVar(&cfg.ScriptPath, "script-path", cfg.ScriptPath, "path to the version-probed script file")
	flag.StringVar(&cfg.InterpreterCommand, "interpreter-command", cfg.InterpreterCommand, "external interpreter invoked to probe the script version")
	driftMode := flag.String("drift-mode", string(cfg.DriftMode), "test-only reply corruption mode: none, route, flow, protobuf")
	metricsHTTPAddr := flag.String("metrics-http-addr", "", "if set, serve Prometheus exposition on this address in addition to __METRICS__")
	flag.Parse()

	cfg.DriftMode = dispatch.DriftMode(*driftMode)
	cfg.MetricsHTTPAddr = *metricsHTTPAddr
	if cfg.UDPPort == 0 {
		cfg.UDPPort = cfg.TCPPort + 1
	}
	if err := cfg.Validate(); err != nil {
		fatal("config: %v", err)
	}

	log := newLogger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := runtimehost.New(ctx, cfg, log)
	if err != nil {
		fatal("startup: %v", err)
	}

	if cfg.MetricsHTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promexport.Handler(host.Metrics()))
		srv := &http.Server{Addr: cfg.MetricsHTTPAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics http server failed", zap.Error(err))
			}
		}()
		log.Info("prometheus exposition listening", zap.String("addr", cfg.MetricsHTTPAddr))
	}

	go func() {
		<-ctx.Done()
		host.RequestStop()
	}()

	if err := host.Run(ctx, os.Stdout); err != nil {
		fatal("runtime host exited: %v", err)
	}
}

func newLogger() *zap.Logger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
