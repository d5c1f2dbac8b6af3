package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/sprd/internal/ingest"
)

// dialTimeout bounds a pull's connection setup.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from. StreamID is sent
// to the remote listener and also selects the framing as in ParseStreamID.
type PullRequest struct {
	Address  string `json:"address"`
	StreamID string `json:"streamId"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT sources and streams their data into the ingest
// registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller registering pulled streams with registry. If
// log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener synchronously with a timeout. On success
// streaming continues in the background until ctx is cancelled, Stop is
// called or the remote closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	src, err := ParseStreamID(req.StreamID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, exists := c.pulls[src.Key]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("pull already active for stream key %q", src.Key)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", src.Key)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, src, res.conn)
	case <-timer.C:
		go closeLate(ch)
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial finished after Pull gave up.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, src ingest.Source, conn *srtgo.Conn) error {
	stream, writer, err := c.registry.Register(src)
	if err != nil {
		conn.Close()
		return err
	}
	stream.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pulls[src.Key] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", src.Key)

	go func() {
		// Closing the socket unblocks a pending Read on Stop.
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		defer func() {
			cancel()
			stats := stream.Stats()
			c.registry.Unregister(src.Key)
			c.mu.Lock()
			delete(c.pulls, src.Key)
			c.mu.Unlock()
			c.log.Info("pull ended", "stream_key", src.Key,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		copyStream(pullCtx, c.log, conn, stream, writer)
	}()
	return nil
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
