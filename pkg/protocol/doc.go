// ABOUTME: SonicSync wire protocol package
// ABOUTME: Defines message unions and the binary/text codecs
// Package protocol implements the SonicSync wire protocol.
//
// Messages form closed discriminated unions in each direction and can be
// carried in either of two symmetric encodings: a compact binary form for
// regular peers and a self-describing JSON form for dashboards.
//
// Example:
//
//	codec := protocol.BinaryCodec{}
//	frame, err := codec.EncodeClient(protocol.TimeRequest{T0: t0, Seq: 0})
package protocol
