package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sprd/internal/api"
	"github.com/zsiec/sprd/internal/certs"
	"github.com/zsiec/sprd/internal/ingest"
	srtingest "github.com/zsiec/sprd/internal/ingest/srt"
	"github.com/zsiec/sprd/internal/pipeline"
	"github.com/zsiec/sprd/internal/sink"
	"github.com/zsiec/sprd/internal/stream"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.MaxValidity)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{
		cfg: cfg,
		mgr: stream.NewManager(nil),
	}

	slog.Info("sprd starting",
		"version", version,
		"srt", cfg.srtAddr,
		"api", cfg.apiAddr,
		"wav_dir", cfg.wavDir,
		"frame_us", cfg.pipeline.Engine.FrameUs,
		"outputs", cfg.pipeline.Outputs,
		"sync", cfg.pipeline.Sync != nil,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Registry and caller capture the errgroup context so streams shut down
	// when any component fails.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream, input io.Reader) {
		a.handleNewStream(ctx, s, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	apiSrv, err := api.NewServer(api.Config{
		Addr:     cfg.apiAddr,
		Cert:     cert,
		Sessions: a.mgr,
		Ingest:   a.lookupIngest,
		SRTPull: func(req srtingest.PullRequest) error {
			return a.srtCaller.Pull(ctx, req)
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.srtCaller.ActivePulls,
	}, nil)
	if err != nil {
		slog.Error("failed to create API server", "error", err)
		os.Exit(1)
	}

	srtSrv := srtingest.NewServer(cfg.srtAddr, a.registry, nil)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})
	g.Go(func() error {
		return apiSrv.Start(ctx)
	})
	for _, req := range cfg.pulls {
		g.Go(func() error {
			if err := a.srtCaller.Pull(ctx, req); err != nil {
				slog.Warn("startup pull failed", "address", req.Address, "stream_id", req.StreamID, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg       config
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
}

func (a *app) lookupIngest(key string) (ingest.Stats, bool) {
	s, ok := a.registry.Get(key)
	if !ok {
		return ingest.Stats{}, false
	}
	return s.Stats(), true
}

func (a *app) handleNewStream(ctx context.Context, s *ingest.Stream, input io.Reader) {
	key := s.Key
	log := slog.With("stream", key)
	log.Info("new stream from ingest", "format", s.Format)

	sess, created := a.mgr.Create(key)
	if !created {
		log.Warn("rejecting duplicate stream connection")
		return
	}
	defer a.mgr.Remove(key)

	out, err := sink.NewWAV(a.cfg.wavDir, key, nil)
	if err != nil {
		log.Error("creating WAV sink", "error", err)
		return
	}

	p, err := pipeline.New(s.Source, input, out, a.cfg.pipeline, nil)
	if err != nil {
		out.Close()
		log.Error("creating pipeline", "error", err)
		return
	}
	sess.Attach(p)

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
	}
	st := out.Stats()
	log.Info("stream ended", "files", st.Files, "frames", st.Frames, "bytes", st.BytesWritten)
}
