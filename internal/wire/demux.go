package wire

// binaryPrelude is the first byte of every canonical binary frame: the
// protobuf tag byte for field 1, bytes-wire-type (0x0a). Every text
// command starts with an uppercase ASCII letter or an underscore, so a
// single leading-byte check disambiguates the two protocols without
// buffering ahead.
const binaryPrelude = 0x0a

// CanonicalPingPrelude returns the one byte a transport loop inspects
// to decide whether an inbound frame is binary (protobuf Ping) or text
// (a line command).
func CanonicalPingPrelude() byte { return binaryPrelude }

// LooksBinary reports whether the first byte of an inbound frame
// matches the binary protocol's prelude.
func LooksBinary(first byte) bool { return first == binaryPrelude }
