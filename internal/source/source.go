// Package source supplies decoded frames from a live stream and keeps it open across
// network outages.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"golang.org/x/image/draw"
)

var (
	// ErrStreamUnavailable is returned when the stream ended or could not be read.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrStalled means the stream stayed open but sent nothing for the stall timeout.
	ErrStalled = errors.New("stream stalled")
)

const megabyte = 1024 * 1024

// Source yields frames one at a time.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Opener (re)opens a Source.
type Opener func(ctx context.Context) (Source, error)

// Stream decodes concatenated JPEG frames (an MJPEG pipe) from a reader.
type Stream struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	width   int
	seq     int
	now     func() time.Time
	onStall func()
	stalled atomic.Bool

	// StallTimeout closes the reader when a single read waits longer than this, so a
	// silent source fails instead of blocking forever. Zero disables it.
	StallTimeout time.Duration
	// Dropped counts frames that failed to decode.
	Dropped int
}

// NewStream reads MJPEG from rc. Frames wider than width are downscaled; width 0 keeps
// the native size.
func NewStream(rc io.ReadCloser, width int) *Stream {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &Stream{rc: rc, scanner: scanner, width: width, now: time.Now}
}

// Next returns the next decodable frame. Corrupt frames are skipped.
func (s *Stream) Next(ctx context.Context) (*types.Frame, error) {
	for s.scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			s.Dropped++
			continue
		}
		s.seq++
		return &types.Frame{Seq: s.seq, Time: s.now(), Image: Resize(img, s.width)}, nil
	}

	if s.stalled.Load() {
		return nil, fmt.Errorf("%w: %w after %v", ErrStreamUnavailable, ErrStalled, s.StallTimeout)
	}
	cause := s.scanner.Err()
	if cause == nil {
		cause = io.EOF
	}
	return nil, fmt.Errorf("%w: %v", ErrStreamUnavailable, cause)
}

// scan advances the scanner under the stall watchdog.
func (s *Stream) scan() bool {
	if s.StallTimeout <= 0 {
		return s.scanner.Scan()
	}
	watchdog := time.AfterFunc(s.StallTimeout, func() {
		s.stalled.Store(true)
		if s.onStall != nil {
			s.onStall()
		}
		s.rc.Close()
	})
	ok := s.scanner.Scan()
	watchdog.Stop()
	return ok
}

func (s *Stream) Close() error {
	return s.rc.Close()
}

// Resize converts img to RGBA at the origin, scaling it down to width if it is wider.
func Resize(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// FFmpeg is a Stream fed by an ffmpeg decoder process.
type FFmpeg struct {
	*Stream
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
}

// OpenFFmpeg starts ffmpeg on locator. A reachable process does not mean a reachable
// camera: connection errors surface from the first Next. When stall is positive ffmpeg
// gets a network I/O timeout and is killed if no data arrives for that long.
func OpenFFmpeg(ctx context.Context, locator string, width int, stall time.Duration) (*FFmpeg, error) {
	ctx, cancel := context.WithCancel(ctx)
	ffmpeg := utils.NewFFmpegStreamCmd(ctx, locator, stall)

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStreamUnavailable, err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrStreamUnavailable, err)
	}

	stream := NewStream(out, width)
	stream.StallTimeout = stall
	stream.onStall = cancel
	return &FFmpeg{Stream: stream, cmd: ffmpeg, cancel: cancel}, nil
}

// Next wraps the stream error with whatever ffmpeg printed.
func (f *FFmpeg) Next(ctx context.Context) (*types.Frame, error) {
	frame, err := f.Stream.Next(ctx)
	if err != nil && errors.Is(err, ErrStreamUnavailable) {
		if logs := bytes.TrimSpace([]byte(f.cmd.Logs())); len(logs) > 0 {
			return nil, fmt.Errorf("%w (ffmpeg: %s)", err, lastLine(logs))
		}
	}
	return frame, err
}

// Close kills ffmpeg and reaps it.
func (f *FFmpeg) Close() error {
	f.cancel()
	f.Stream.Close()
	f.cmd.Wait()
	return nil
}

func lastLine(b []byte) string {
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return string(b[i+1:])
	}
	return string(b)
}
