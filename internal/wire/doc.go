// Package wire implements the framed PCM protocol spoken by publishers
// over SRT: media format announcements, deinterleaved sample segments with
// their metadata, render configuration and drift resync requests.
//
// Every message is [type (varint)] [length (varint)] [payload]. Integers
// in payloads are QUIC variable-length integers; signed values are zigzag
// encoded.
//
// The package contains no session logic; [github.com/zsiec/sprd/internal/pipeline]
// feeds decoded messages to the render loop.
package wire
