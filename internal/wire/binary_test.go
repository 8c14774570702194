package wire

import (
	"encoding/hex"
	"testing"
)

func TestEncodePingMatchesCanonicalFixture(t *testing.T) {
	got := hex.EncodeToString(EncodePing(CanonicalPing))
	want := "0a03666f6f10071801"
	if got != want {
		t.Fatalf("EncodePing(canonical) = %s, want %s", got, want)
	}
}

func TestEncodePongMatchesCanonicalFixture(t *testing.T) {
	got := hex.EncodeToString(EncodePong(Pong{Payload: "FOO", Seq: 7, Ok: true}))
	want := "0a03464f4f10071801"
	if got != want {
		t.Fatalf("EncodePong = %s, want %s", got, want)
	}
}

func TestDecodePingRoundTrip(t *testing.T) {
	raw, err := hex.DecodeString("0a03666f6f10071801")
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	p, err := DecodePing(raw)
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if !IsCanonicalPing(p) {
		t.Fatalf("DecodePing(canonical bytes) = %+v, not canonical", p)
	}
}

func TestDecodePingRejectsNonCanonicalPayload(t *testing.T) {
	p, err := DecodePing(EncodePing(Ping{Payload: "bar", Seq: 7, Keep: true}))
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if IsCanonicalPing(p) {
		t.Fatalf("Ping{%+v} should not be canonical", p)
	}
}

func TestDecodePongRoundTrip(t *testing.T) {
	raw := EncodePong(Pong{Payload: "FOO", Seq: 7, Ok: true})
	p, err := DecodePong(raw)
	if err != nil {
		t.Fatalf("DecodePong: %v", err)
	}
	if p.Payload != "FOO" || p.Seq != 7 || !p.Ok {
		t.Fatalf("DecodePong round trip = %+v", p)
	}
}

func TestCanonicalPingBytesMatchesFixtureConstant(t *testing.T) {
	if hex.EncodeToString(CanonicalPingBytes) != "0a03666f6f10071801" {
		t.Fatalf("CanonicalPingBytes = %x", CanonicalPingBytes)
	}
}

func TestDecodePingMalformedTagFails(t *testing.T) {
	if _, err := DecodePing([]byte{0xff}); err == nil {
		t.Fatalf("expected decode error for malformed tag")
	}
}

func TestLooksBinaryDisambiguation(t *testing.T) {
	if !LooksBinary(CanonicalPingBytes[0]) {
		t.Fatalf("canonical ping's first byte should look binary")
	}
	if LooksBinary('M') {
		t.Fatalf("a text command's first byte should not look binary")
	}
}
