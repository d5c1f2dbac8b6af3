// Package sink writes engine output ports to WAV files.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/wav"

	"github.com/zsiec/sprd/internal/media"
	"github.com/zsiec/sprd/internal/pcm"
)

// ErrClosed is returned by WriteOutput after Close.
var ErrClosed = errors.New("sink: closed")

const wavPCM = 1

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// Stats is a snapshot of a WAV sink.
type Stats struct {
	Files        int   `json:"files"`
	Frames       int64 `json:"frames"`
	BytesWritten int64 `json:"bytesWritten"`
	EOS          int64 `json:"eos"`
}

type wavFile struct {
	path string
	f    *os.File
	enc  *wav.Encoder
}

func (w *wavFile) close() error {
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	return errors.Join(encErr, fileErr)
}

// WAV writes each output port to its own file under a directory. A
// format change closes the open files; later output starts a new segment
// named <key>-port<N>-<segment>.wav.
type WAV struct {
	log *slog.Logger
	dir string
	key string

	mu      sync.Mutex
	format  pcm.MediaFormat
	segment int
	files   map[int]*wavFile
	closed  bool
	stats   Stats
}

// NewWAV creates dir if needed and returns a sink for the stream key. If
// log is nil, slog.Default() is used.
func NewWAV(dir, key string, log *slog.Logger) (*WAV, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sink dir: %w", err)
	}
	return &WAV{
		log:   log.With("component", "wav-sink", "key", key),
		dir:   dir,
		key:   keyReplacer.Replace(key),
		files: make(map[int]*wavFile),
	}, nil
}

// SetFormat records the output format. Files of a previous format are
// finalized.
func (w *WAV) SetFormat(f pcm.MediaFormat) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f == w.format {
		return
	}
	if !w.format.IsZero() {
		if err := w.closeFilesLocked(); err != nil {
			w.log.Warn("finalizing wav segment", "error", err)
		}
		w.segment++
	}
	w.format = f
	w.log.Info("output format", "format", f, "segment", w.segment)
}

// WriteOutput appends the samples of out to the file of port. EOS items
// attached to out are counted; the samples themselves are written as is.
func (w *WAV) WriteOutput(port int, out *media.Stream) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	for _, md := range out.Metadata {
		if md.ID == media.MetadataEOS {
			w.stats.EOS++
			w.log.Info("end of stream", "port", port, "flushing", md.EOS.Flushing)
		}
	}
	if out.Len() == 0 {
		return nil
	}
	if w.format.IsZero() {
		return fmt.Errorf("%w: no format set", pcm.ErrInvalidFormat)
	}

	buf, err := pcm.ToIntBuffer(w.format, out.Data)
	if err != nil {
		return err
	}
	wf, err := w.fileLocked(port)
	if err != nil {
		return err
	}
	if err := wf.enc.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", wf.path, err)
	}
	w.stats.Frames++
	w.stats.BytesWritten += int64(out.Len() * len(out.Data))
	return nil
}

func (w *WAV) fileLocked(port int) (*wavFile, error) {
	if wf, ok := w.files[port]; ok {
		return wf, nil
	}
	name := fmt.Sprintf("%s-port%d.wav", w.key, port)
	if w.segment > 0 {
		name = fmt.Sprintf("%s-port%d-%d.wav", w.key, port, w.segment)
	}
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	wf := &wavFile{
		path: path,
		f:    f,
		enc:  wav.NewEncoder(f, w.format.SampleRate, w.format.BitsPerSample, w.format.NumChannels, wavPCM),
	}
	w.files[port] = wf
	w.stats.Files++
	w.log.Info("wav file opened", "port", port, "path", path)
	return wf, nil
}

func (w *WAV) closeFilesLocked() error {
	var errs []error
	for port, wf := range w.files {
		if err := wf.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", wf.path, err))
		}
		delete(w.files, port)
	}
	return errors.Join(errs...)
}

// Close finalizes every open file.
func (w *WAV) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFilesLocked()
}

// Stats returns a snapshot of the sink counters.
func (w *WAV) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
