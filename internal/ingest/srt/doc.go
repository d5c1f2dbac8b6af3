// Package srt implements SRT (Secure Reliable Transport) ingest for PCM
// publishers: listener mode (Server) accepts incoming publish connections
// and caller mode (Caller) pulls from remote SRT sources. The SRT stream ID
// selects the stream key and the framing; see ParseStreamID.
package srt
