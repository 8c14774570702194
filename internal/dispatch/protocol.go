// Package dispatch holds the runtime host's wire-level command
// vocabulary: the literal command strings and prefixes, the transport
// kind tag used in unknown-command replies, and the drift-mode
// corruption rules. It is deliberately stateless: runtimehost.Host
// owns the metrics/store/ffi/oracle resources and the lock that
// serializes access to them; this package only knows how to recognize
// a command and how to mutate a reply under an active drift mode.
package dispatch

import "strings"

// TransportKind tags which socket type received a command, used to
// build ERR_UNKNOWN_<TRANSPORT_KIND> replies.
type TransportKind int

const (
	TCP TransportKind = iota
	UDP
)

func (k TransportKind) String() string {
	if k == UDP {
		return "UDP"
	}
	return "TCP"
}

// DriftMode is the test-only reply-corruption knob.
type DriftMode string

const (
	DriftNone     DriftMode = "none"
	DriftRoute    DriftMode = "route"
	DriftFlow     DriftMode = "flow"
	DriftProtobuf DriftMode = "protobuf"
)

// ParseDriftMode validates a configured drift_mode string, defaulting
// to DriftNone for an empty value and erroring on anything unrecognized.
func ParseDriftMode(s string) (DriftMode, bool) {
	switch DriftMode(s) {
	case "", DriftNone:
		return DriftNone, true
	case DriftRoute, DriftFlow, DriftProtobuf:
		return DriftMode(s), true
	default:
		return "", false
	}
}

// Literal command strings and prefixes recognized by the text protocol.
const (
	CmdConnPing      = "M1_CONN_PING"
	CmdUDPPing       = "M1_UDP_PING"
	PrefixRegister   = "M3_REGISTER_FUNC:"
	CmdLuaHello      = "M3_LUA_HELLO"
	CmdLuaHelloAsync = "M3_LUA_HELLO_ASYNC"
	CmdHotReload     = "M3_HOT_RELOAD"
	PrefixSaveState  = "M4_SAVE_STATE:"
	CmdLoadState     = "M4_LOAD_STATE"
	CmdDeleteState   = "M4_DELETE_STATE"
	CmdDBHealth      = "M4_DB_HEALTH"
	PrefixRouteThread = "M4_ROUTE_THREAD:"
	CmdFlowRoom      = "M5_FLOW_ROOM"
	CmdStability     = "M6_STABILITY"
	CmdMetrics       = "__METRICS__"
	CmdStop          = "__STOP__"
)

// Reply literals.
const (
	ReplyConnPong       = "M1_CONN_PONG"
	ReplyUDPPong        = "M1_UDP_PONG"
	ReplyHotReloadOK    = "M3_HOT_RELOAD_OK"
	ReplyDeleteOK       = "M4_DELETE_OK"
	ReplyDBAlert        = "M4_DB_ALERT"
	ReplyDBHealthy      = "M4_DB_HEALTHY"
	ReplyFlowOK         = "M5_FLOW_OK"
	ReplyFlowFail       = "M5_FLOW_FAIL"
	ReplyStabilityOK    = "M6_OK"
	ReplyStopOK         = "__STOP_OK__"
	ReplyBackpressure   = "ERR_BACKPRESSURE"
	UnsetStateLiteral   = "unset"
)

// HasArgPrefix reports whether line starts with prefix, returning the
// remainder as the command argument.
func HasArgPrefix(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return line[len(prefix):], true
}

// UnknownCommandReply builds the catch-all ERR_UNKNOWN_<TRANSPORT_KIND>
// reply for an unrecognized command on kind.
func UnknownCommandReply(kind TransportKind) string {
	return "ERR_UNKNOWN_" + kind.String()
}

// ApplyRouteDrift corrupts a resolved thread id for display only, per
// drift_mode=route: the persisted id is never touched, only the value
// handed back in the reply.
func ApplyRouteDrift(mode DriftMode, threadID int) int {
	if mode == DriftRoute {
		return threadID + 1
	}
	return threadID
}

// ApplyFlowDrift turns an M5_FLOW_ROOM success into a failure under
// drift_mode=flow.
func ApplyFlowDrift(mode DriftMode, reply string) string {
	if mode == DriftFlow {
		return ReplyFlowFail
	}
	return reply
}

// ApplyProtobufPayloadCasing implements the canonical Pong.payload
// transform: uppercase normally, lowercase under drift_mode=protobuf.
func ApplyProtobufPayloadCasing(mode DriftMode, payload string) string {
	if mode == DriftProtobuf {
		return strings.ToLower(payload)
	}
	return strings.ToUpper(payload)
}
