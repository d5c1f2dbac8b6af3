// Command srt-push publishes an audio file to an sprd SRT listener using
// the framed PCM protocol, paced in real time.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/sprd/internal/audiofile"
	"github.com/zsiec/sprd/internal/avsync"
	"github.com/zsiec/sprd/internal/wire"
)

type options struct {
	file    string
	frameUs int64
	loops   int
	holdUs  int64
	pace    bool
}

func main() {
	fileFlag := flag.String("file", "", "Audio file to push (wav, aiff, mp3, ogg)")
	keyFlag := flag.String("key", "", "Stream ID (default: live/<filename without extension>)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	frameFlag := flag.Int64("frame-us", 10000, "Segment duration in microseconds")
	loopFlag := flag.Int("loop", 0, "Number of passes over the file, 0 loops forever")
	holdFlag := flag.Int64("hold-us", 0, "Send a render config with this hold duration")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push --file tone.wav --key live/studio\n")
		fmt.Fprintf(os.Stderr, "  srt-push <file> [streamid] [host:port]  (positional args)\n")
		os.Exit(1)
	}

	streamID := *keyFlag
	if streamID == "" && flag.NArg() > 1 {
		streamID = flag.Arg(1)
	}
	if streamID == "" {
		base := filepath.Base(filePath)
		streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	addr := *addrFlag
	if flag.NArg() > 2 {
		addr = flag.Arg(2)
	}

	opts := options{file: filePath, frameUs: *frameFlag, loops: *loopFlag, holdUs: *holdFlag, pace: true}
	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, publishing %s\n", streamID, filePath)
		err = publish(conn, opts, streamID)
		conn.Close()
		if err == nil {
			fmt.Printf("[%s] Done\n", streamID)
			return
		}
		if errors.Is(err, audiofile.ErrUnsupported) || errors.Is(err, audiofile.ErrInvalidFile) {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", streamID, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, err)
		time.Sleep(time.Second)
	}
}

// publish writes a FORMAT message followed by the file's segments. Each
// pass restarts the file with timestamps continuing where the previous
// pass ended. When pacing, segments are sent against a global clock so
// there is no burst or gap at a loop seam.
func publish(w io.Writer, opts options, streamID string) error {
	enc := wire.NewEncoder(w)
	if opts.holdUs > 0 {
		cfg := avsync.DefaultConfig()
		cfg.HoldDurationUs = opts.holdUs
		if err := enc.Encode(wire.RenderConfig{Config: cfg}); err != nil {
			return err
		}
	}

	globalStart := time.Now()
	var nextUs int64
	var segments int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for pass := 1; opts.loops <= 0 || pass <= opts.loops; pass++ {
		src, err := audiofile.Open(opts.file)
		if err != nil {
			return err
		}
		seg := audiofile.NewSegmenter(src, opts.frameUs, nextUs)
		if pass == 1 {
			if err := enc.Encode(wire.Format{Format: seg.Format()}); err != nil {
				src.Close()
				return err
			}
		}

		for {
			s, err := seg.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				src.Close()
				return err
			}
			if err := enc.Encode(wire.Data{Stream: s}); err != nil {
				src.Close()
				return err
			}
			segments++
			nextUs = s.Timestamp + seg.Format().BytesToUs(s.Len())

			if opts.pace {
				if ahead := time.Duration(nextUs)*time.Microsecond - time.Since(globalStart); ahead > 0 {
					time.Sleep(ahead)
				}
			}
			if time.Since(lastLog) >= logInterval {
				fmt.Printf("[%s] pass=%d segments=%d media=%s\n",
					streamID, pass, segments, (time.Duration(nextUs) * time.Microsecond).Truncate(time.Millisecond))
				lastLog = time.Now()
			}
		}
		src.Close()
	}
	return nil
}
