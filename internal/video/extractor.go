package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/worker"
)

const stderrLimit = 4 << 10

var (
	DecodeError         = errors.New("video decode failed")
	OutputTooLargeError = fmt.Errorf("%w: decoder output exceeds the size limit", DecodeError)
	NoFramesError       = fmt.Errorf("%w: no frames extracted", DecodeError)
)

var endOfImage = []byte{0xFF, 0xD9}

// Extractor samples still frames from a video with an external ffmpeg process.
// The process runs as a job on the shared worker pool.
type Extractor struct {
	cfg  *config.VideoConfig
	pool *worker.Pool
}

func NewExtractor(cfg *config.VideoConfig, pool *worker.Pool) *Extractor {
	return &Extractor{cfg: cfg, pool: pool}
}

// Extract returns the sampled JPEG frames in playback order. Decoder failures
// are reported as DecodeError, pool saturation as worker.PoolBusyError.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([][]byte, error) {
	return worker.Submit(ctx, e.pool, func(ctx context.Context) ([][]byte, error) {
		return e.extract(ctx, data)
	})
}

func (e *Extractor) extract(ctx context.Context, data []byte) ([][]byte, error) {
	// ffmpeg needs a seekable input for mp4 files with the moov atom at the end
	input, err := os.CreateTemp(e.cfg.TempDir, "nsfw-gate-*.video")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err := os.Remove(input.Name()); err != nil {
			slog.Warn("failed to remove temp file.", slog.String("file", input.Name()),
				slog.String("err", err.Error()))
		}
	}()
	if _, err = input.Write(data); err != nil {
		_ = input.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err = input.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes, onOverflow: cancel}
	stderr := &cappedBuffer{limit: stderrLimit}
	cmd := exec.CommandContext(ctx, e.cfg.FfmpegPath, e.args(input.Name())...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// children of a killed process may keep the pipes open
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	if stdout.Overflowed() {
		return nil, OutputTooLargeError
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", DecodeError, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w: %s", DecodeError, err, bytes.TrimSpace(stderr.Bytes()))
	}

	frames := SplitFrames(stdout.Bytes())
	if len(frames) == 0 {
		return nil, NoFramesError
	}
	slog.Debug("frames extracted.", slog.Int("frames", len(frames)),
		slog.Duration("took", time.Since(start)))

	return frames, nil
}

func (e *Extractor) args(input string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", input,
		"-vf", "fps=" + e.cfg.Fps,
		"-frames:v", strconv.Itoa(e.cfg.MaxFrames),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	}
}

// SplitFrames cuts a concatenated MJPEG stream after every end-of-image marker.
// The marker stays with its frame; a trailing fragment without one is dropped.
func SplitFrames(stream []byte) [][]byte {
	var frames [][]byte
	for len(stream) > 0 {
		i := bytes.Index(stream, endOfImage)
		if i < 0 {
			break
		}
		end := i + len(endOfImage)
		frames = append(frames, stream[:end:end])
		stream = stream[end:]
	}

	return frames
}

type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

// Write never fails so that the process is not blocked on a full pipe; excess
// output is discarded and the overflow callback stops the process.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflowed {
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.buf.Write(p[:max(room, 0)])
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}

	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Overflowed only matters for stdout; stderr is truncated silently.
func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed && b.onOverflow != nil
}
