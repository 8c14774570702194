package dispatch

import "testing"

func TestTransportKindString(t *testing.T) {
	if TCP.String() != "TCP" {
		t.Fatalf("TCP.String() = %q", TCP.String())
	}
	if UDP.String() != "UDP" {
		t.Fatalf("UDP.String() = %q", UDP.String())
	}
}

func TestParseDriftMode(t *testing.T) {
	cases := []struct {
		in   string
		want DriftMode
		ok   bool
	}{
		{"", DriftNone, true},
		{"none", DriftNone, true},
		{"route", DriftRoute, true},
		{"flow", DriftFlow, true},
		{"protobuf", DriftProtobuf, true},
		{"bogus", "", false},
	}
	for _, c := range cases {
		got, ok := ParseDriftMode(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Fatalf("ParseDriftMode(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestHasArgPrefix(t *testing.T) {
	arg, ok := HasArgPrefix("M4_SAVE_STATE:alpha", PrefixSaveState)
	if !ok || arg != "alpha" {
		t.Fatalf("HasArgPrefix = (%q, %v), want (alpha, true)", arg, ok)
	}
	if _, ok := HasArgPrefix("M4_LOAD_STATE", PrefixSaveState); ok {
		t.Fatalf("HasArgPrefix should not match unrelated command")
	}
}

func TestUnknownCommandReply(t *testing.T) {
	if got := UnknownCommandReply(TCP); got != "ERR_UNKNOWN_TCP" {
		t.Fatalf("UnknownCommandReply(TCP) = %q", got)
	}
	if got := UnknownCommandReply(UDP); got != "ERR_UNKNOWN_UDP" {
		t.Fatalf("UnknownCommandReply(UDP) = %q", got)
	}
}

func TestApplyRouteDrift(t *testing.T) {
	if got := ApplyRouteDrift(DriftNone, 3); got != 3 {
		t.Fatalf("ApplyRouteDrift(none) = %d, want 3", got)
	}
	if got := ApplyRouteDrift(DriftRoute, 3); got != 4 {
		t.Fatalf("ApplyRouteDrift(route) = %d, want 4", got)
	}
}

func TestApplyFlowDrift(t *testing.T) {
	if got := ApplyFlowDrift(DriftNone, ReplyFlowOK); got != ReplyFlowOK {
		t.Fatalf("ApplyFlowDrift(none) = %q", got)
	}
	if got := ApplyFlowDrift(DriftFlow, ReplyFlowOK); got != ReplyFlowFail {
		t.Fatalf("ApplyFlowDrift(flow) = %q, want %q", got, ReplyFlowFail)
	}
}

func TestApplyProtobufPayloadCasing(t *testing.T) {
	if got := ApplyProtobufPayloadCasing(DriftNone, "foo"); got != "FOO" {
		t.Fatalf("ApplyProtobufPayloadCasing(none) = %q, want FOO", got)
	}
	if got := ApplyProtobufPayloadCasing(DriftProtobuf, "foo"); got != "foo" {
		t.Fatalf("ApplyProtobufPayloadCasing(protobuf) = %q, want foo", got)
	}
}
