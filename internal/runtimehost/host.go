// Package runtimehost composes the command dispatcher, state store,
// metrics registry, script oracle and FFI registry into the single
// long-lived aggregate a transport loop drives: Host. Host owns one
// lock (the metrics registry's own mutex) and uses it to serialize
// every operation that must be visible together in a metrics
// snapshot: counter updates, store row counts and the rollback-derived
// alert flag.
package runtimehost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/runtimehost/internal/concurrency"
	"github.com/quietloop/runtimehost/internal/config"
	"github.com/quietloop/runtimehost/internal/dispatch"
	"github.com/quietloop/runtimehost/internal/ffi"
	"github.com/quietloop/runtimehost/internal/metrics"
	"github.com/quietloop/runtimehost/internal/scriptoracle"
	"github.com/quietloop/runtimehost/internal/store"
	"github.com/quietloop/runtimehost/internal/wire"
)

// rollbackAlertThreshold is the sticky-alert floor: db_rollback_count
// reaching this value flips db_alert_active to 1 forever (the counter
// never decreases, so no separate latch is needed).
const rollbackAlertThreshold = 3

// Host is the runtime host's in-process server: every text and binary
// command a transport loop receives is routed through it.
type Host struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Registry
	store   *store.Store
	oracle  *scriptoracle.Oracle
	ffi     *ffi.Registry
	budget  *concurrency.Budget

	startedAt time.Time
	stopCh    chan struct{}
	tasks     sync.WaitGroup
}

// New wires a Host from cfg. The caller owns the returned Host's
// lifetime and must call Close when done with it (tests construct a
// Host directly without ever calling Run).
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Host, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("runtimehost: open store: %w", err)
	}
	reg := metrics.New()
	h := &Host{
		cfg:       cfg,
		log:       log,
		metrics:   reg,
		store:     st,
		oracle:    scriptoracle.New(cfg.ScriptPath, cfg.InterpreterCommand),
		ffi:       ffi.NewRegistry(),
		budget:    concurrency.New(reg, cfg.TaskBudget),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	h.metrics.Lock()
	h.metrics.IncrementLocked("ffi_registered_function_count", int64(h.ffi.Len()))
	h.metrics.Unlock()
	return h, nil
}

// Close closes the store handle under the host lock, so no snapshot or
// in-flight store operation can interleave with teardown. Safe to call
// more than once.
func (h *Host) Close() error {
	h.metrics.Lock()
	defer h.metrics.Unlock()
	return h.store.Close()
}

// StopRequested reports whether shutdown has been requested, either by
// a signal or by the __STOP__ command.
func (h *Host) StopRequested() <-chan struct{} {
	return h.stopCh
}

// RequestStop closes the stop channel exactly once.
func (h *Host) RequestStop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

func (h *Host) txHooks() *store.TxHooks {
	return &store.TxHooks{
		OnBegin:  func() { h.metrics.IncrementLocked("db_transaction_begin_count", 1) },
		OnCommit: func() { h.metrics.IncrementLocked("db_commit_count", 1) },
		OnRollback: func() {
			h.metrics.IncrementLocked("db_rollback_count", 1)
			h.metrics.IncrementLocked("error_count", 1)
			if h.metrics.GetLocked("db_rollback_count") >= rollbackAlertThreshold {
				h.metrics.IncrementLocked("rejected_command_count", 1)
			}
		},
	}
}

// DispatchText runs one text command through the task-budget gate and
// the command table. Every text command (TCP line or UDP datagram) is
// a schedulable unit; binary requests bypass this path entirely (see
// DispatchBinary).
func (h *Host) DispatchText(ctx context.Context, kind dispatch.TransportKind, line string) (reply string, closeConn bool) {
	h.metrics.Lock()
	acquired := h.budget.TryAcquireLocked()
	h.metrics.Unlock()
	if !acquired {
		return dispatch.ReplyBackpressure, false
	}
	h.tasks.Add(1)
	defer h.tasks.Done()

	failed := false
	reply, closeConn = h.runCommand(ctx, kind, line, &failed)

	h.metrics.Lock()
	h.budget.ReleaseLocked(failed)
	h.metrics.Unlock()
	return reply, closeConn
}

// DispatchBinaryScheduled runs one binary UDP datagram through the
// task-budget gate before decoding it; only TCP binary requests run
// inline outside the scheduler. backpressured reports a budget
// rejection, in which case the caller emits ERR_BACKPRESSURE on the
// same transport instead of a binary reply.
func (h *Host) DispatchBinaryScheduled(data []byte) (reply []byte, ok bool, backpressured bool) {
	h.metrics.Lock()
	acquired := h.budget.TryAcquireLocked()
	h.metrics.Unlock()
	if !acquired {
		return nil, false, true
	}
	h.tasks.Add(1)
	defer h.tasks.Done()
	defer func() {
		h.metrics.Lock()
		h.budget.ReleaseLocked(false)
		h.metrics.Unlock()
	}()

	reply, ok = h.DispatchBinary(data)
	return reply, ok, false
}

// drainTasks blocks until every in-flight dispatch has finished or ctx
// expires, reporting whether the drain completed.
func (h *Host) drainTasks(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Host) runCommand(ctx context.Context, kind dispatch.TransportKind, line string, failed *bool) (string, bool) {
	switch {
	case line == dispatch.CmdConnPing:
		return dispatch.ReplyConnPong, false

	case line == dispatch.CmdUDPPing:
		return dispatch.ReplyUDPPong, false

	case hasPrefix(line, dispatch.PrefixRegister):
		name := line[len(dispatch.PrefixRegister):]
		if h.ffi.Register(name) {
			h.metrics.Lock()
			h.metrics.IncrementLocked("ffi_registered_function_count", 1)
			h.metrics.Unlock()
			return "M3_REGISTER_OK:" + name, false
		}
		h.metrics.Lock()
		h.metrics.IncrementLocked("rejected_command_count", 1)
		h.metrics.Unlock()
		return "M3_REGISTER_FAIL:" + name, false

	case line == dispatch.CmdLuaHello:
		version := h.oracle.Read(ctx)
		h.metrics.Lock()
		h.metrics.IncrementLocked("ffi_sync_call_count", 1)
		h.metrics.IncrementLocked("lua_hello_count", 1)
		h.metrics.Unlock()
		return "M3_LUA_ACK:" + version, false

	case line == dispatch.CmdLuaHelloAsync:
		h.metrics.Lock()
		h.metrics.IncrementLocked("ffi_async_call_count", 1)
		h.metrics.IncrementLocked("ffi_async_inflight_count", 1)
		h.metrics.Unlock()
		version := h.oracle.Read(ctx)
		h.metrics.Lock()
		h.metrics.IncrementLocked("ffi_callback_dispatch_count", 1)
		h.metrics.IncrementLocked("ffi_async_inflight_count", -1)
		h.metrics.Unlock()
		return "M3_LUA_ASYNC_ACK:" + version, false

	case line == dispatch.CmdHotReload:
		if err := h.oracle.Bump(); err != nil {
			*failed = true
			return "ERR_HOT_RELOAD", false
		}
		h.metrics.Lock()
		h.metrics.IncrementLocked("lua_hot_reload_count", 1)
		h.metrics.Unlock()
		return dispatch.ReplyHotReloadOK, false

	case hasPrefix(line, dispatch.PrefixSaveState):
		value := line[len(dispatch.PrefixSaveState):]
		h.metrics.Lock()
		defer h.metrics.Unlock()
		h.metrics.IncrementLocked("save_state_count", 1)
		if err := h.store.SaveState(ctx, h.txHooksLocked(), value); err != nil {
			*failed = true
			return "ERR_STORE_FAILURE", false
		}
		return "M4_SAVE_OK:" + value, false

	case line == dispatch.CmdLoadState:
		h.metrics.Lock()
		defer h.metrics.Unlock()
		h.metrics.IncrementLocked("load_state_count", 1)
		value, err := h.store.LoadState(ctx)
		if err != nil {
			*failed = true
			return "ERR_STORE_FAILURE", false
		}
		return "M4_LOAD_OK:" + value, false

	case line == dispatch.CmdDeleteState:
		h.metrics.Lock()
		defer h.metrics.Unlock()
		if err := h.store.DeleteState(ctx, h.txHooksLocked()); err != nil {
			*failed = true
			return "ERR_STORE_FAILURE", false
		}
		return dispatch.ReplyDeleteOK, false

	case line == dispatch.CmdDBHealth:
		h.metrics.Lock()
		defer h.metrics.Unlock()
		if h.metrics.GetLocked("db_rollback_count") >= rollbackAlertThreshold {
			return dispatch.ReplyDBAlert, false
		}
		return dispatch.ReplyDBHealthy, false

	case hasPrefix(line, dispatch.PrefixRouteThread):
		roomKey := line[len(dispatch.PrefixRouteThread):]
		id, err := h.routeThread(ctx, roomKey)
		if err != nil {
			*failed = true
			return "ERR_STORE_FAILURE", false
		}
		displayID := dispatch.ApplyRouteDrift(h.cfg.DriftMode, id)
		return fmt.Sprintf("M4_ROUTE_OK:thread-%d", displayID), false

	case line == dispatch.CmdFlowRoom:
		h.metrics.Lock()
		h.metrics.IncrementLocked("scenario_flow_count", 1)
		h.metrics.Unlock()
		return dispatch.ApplyFlowDrift(h.cfg.DriftMode, dispatch.ReplyFlowOK), false

	case line == dispatch.CmdStability:
		h.metrics.Lock()
		h.metrics.IncrementLocked("stability_ping_count", 1)
		h.metrics.Unlock()
		return dispatch.ReplyStabilityOK, false

	case line == dispatch.CmdMetrics:
		snapshot, err := h.snapshotJSON(ctx)
		if err != nil {
			*failed = true
			return "ERR_METRICS", false
		}
		return snapshot, false

	case line == dispatch.CmdStop:
		h.RequestStop()
		return dispatch.ReplyStopOK, true

	default:
		h.metrics.Lock()
		h.metrics.IncrementLocked("rejected_command_count", 1)
		h.metrics.Unlock()
		return dispatch.UnknownCommandReply(kind), false
	}
}

// routeThread resolves roomKey's persisted thread id, computing and
// inserting it on first sight. The existence check and the insert
// live in the same critical section (the metrics lock), matching the
// requirement that a concurrent caller can never observe a partially
// resolved route.
func (h *Host) routeThread(ctx context.Context, roomKey string) (int, error) {
	h.metrics.Lock()
	defer h.metrics.Unlock()
	h.metrics.IncrementLocked("route_lookup_count", 1)

	id, err := h.store.LookupRoute(ctx, roomKey)
	if err == store.ErrNotFound {
		id = store.RouteThreadID(roomKey, h.cfg.ThreadCount)
		if err := h.store.InsertRouteIfAbsent(ctx, h.txHooksLocked(), roomKey, id); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	return id, nil
}

// txHooksLocked is txHooks, named to make call sites that already hold
// the lock explicit about it; TxHooks callbacks themselves always run
// under the lock since store.withWriteTx invokes them synchronously.
func (h *Host) txHooksLocked() *store.TxHooks { return h.txHooks() }

func hasPrefix(line, prefix string) bool {
	_, ok := dispatch.HasArgPrefix(line, prefix)
	return ok
}

// DispatchBinary handles one inline binary TCP request; it does not
// pass through the task budget; binary requests run inline, outside
// the scheduler. ok is false when the frame fails to decode or doesn't
// match the one accepted fixture, in which case the caller should
// close the connection rather than write a reply.
func (h *Host) DispatchBinary(data []byte) (reply []byte, ok bool) {
	h.metrics.Lock()
	h.metrics.IncrementLocked("protobuf_request_count", 1)
	h.metrics.IncrementLocked("codec_frame_parse_count", 1)
	h.metrics.Unlock()

	ping, err := wire.DecodePing(data)
	if err != nil || !wire.IsCanonicalPing(ping) {
		h.metrics.Lock()
		h.metrics.IncrementLocked("codec_error_count", 1)
		h.metrics.IncrementLocked("rejected_command_count", 1)
		h.metrics.Unlock()
		return nil, false
	}

	pong := wire.Pong{
		Payload: dispatch.ApplyProtobufPayloadCasing(h.cfg.DriftMode, ping.Payload),
		Seq:     ping.Seq,
		Ok:      ping.Keep,
	}
	out := wire.EncodePong(pong)

	h.metrics.Lock()
	h.metrics.IncrementLocked("protobuf_response_count", 1)
	h.metrics.IncrementLocked("codec_frame_build_count", 1)
	h.metrics.Unlock()
	return out, true
}

// snapshotJSON builds the __METRICS__ reply: every counter plus the
// derived fields computed under the same lock as the counter read.
func (h *Host) snapshotJSON(ctx context.Context) (string, error) {
	h.metrics.Lock()
	defer h.metrics.Unlock()

	snap := h.metrics.SnapshotLocked()
	routeCount, stateCount, err := h.store.Counts(ctx)
	if err != nil {
		return "", err
	}

	out := make(map[string]interface{}, len(snap)+7)
	for k, v := range snap {
		out[k] = v
	}
	dbAlertActive := 0
	if snap["db_rollback_count"] >= rollbackAlertThreshold {
		dbAlertActive = 1
	}
	out["thread_route_count"] = routeCount
	out["persisted_state_count"] = stateCount
	out["db_alert_active"] = dbAlertActive
	out["uptime_ms"] = time.Since(h.startedAt).Milliseconds()
	out["runtime_name"] = h.cfg.RuntimeName
	out["tcp_port"] = h.cfg.TCPPort
	out["udp_port"] = h.cfg.UDPPort

	body, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("runtimehost: marshal metrics snapshot: %w", err)
	}
	return string(body), nil
}

// Metrics exposes the registry for the optional Prometheus exporter.
func (h *Host) Metrics() *metrics.Registry { return h.metrics }

// Config returns the configuration the Host was built from.
func (h *Host) Config() config.Config { return h.cfg }
