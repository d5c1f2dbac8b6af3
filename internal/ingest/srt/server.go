package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/sprd/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads, ten default
// SRT payloads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts incoming SRT publish connections and registers them with
// the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and registers
// incoming publishers with registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		src, err := ParseStreamID(req.StreamID)
		if err != nil {
			s.log.Warn("rejecting publisher", "stream_id", req.StreamID, "error", err)
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(src.Key); busy {
			s.log.Warn("rejecting duplicate publisher", "stream_key", src.Key)
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		src, err := ParseStreamID(conn.StreamID())
		if err != nil {
			s.log.Warn("bad stream id", "stream_id", conn.StreamID(), "error", err)
			conn.Close()
			continue
		}
		s.log.Info("publish", "stream_key", src.Key, "format", src.Format, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, src)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, src ingest.Source) {
	defer conn.Close()

	stream, writer, err := s.registry.Register(src)
	if err != nil {
		s.log.Warn("register failed", "stream_key", src.Key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	copyStream(ctx, s.log, conn, stream, writer)

	stats := stream.Stats()
	s.registry.Unregister(src.Key)
	s.log.Info("connection closed", "stream_key", src.Key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyStream moves socket reads into the registry pipe until either side
// fails or ctx is cancelled.
func copyStream(ctx context.Context, log *slog.Logger, r io.Reader, stream *ingest.Stream, w io.Writer) {
	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "stream_key", stream.Key, "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
	}
}
