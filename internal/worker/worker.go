package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/andresmejia3/sentinel-fog/internal/utils" // Using the SafeCommand wrapper
)

// Op selects the model the worker runs on a request.
type Op byte

const (
	OpPresence Op = 'P'
	OpFace     Op = 'F'
	OpLiveness Op = 'L'
)

func (o Op) String() string {
	switch o {
	case OpPresence:
		return "presence"
	case OpFace:
		return "face"
	case OpLiveness:
		return "liveness"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// closeGrace is how long Close waits for a worker to exit before killing it.
const closeGrace = 2 * time.Second

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 16 << 20

// ErrProtocol means the worker sent something that does not follow the wire format.
var ErrProtocol = errors.New("malformed worker response")

// RemoteError is an error reported by the model process itself. The process is still
// healthy after one of these.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// Config describes how to launch a worker process.
type Config struct {
	Command []string
	// Timeout bounds one request/response round trip. Zero disables it.
	Timeout time.Duration
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu sync.Mutex
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	// Stdin is an *os.File too so requests can carry a write deadline
	stdinR, stdin, err := os.Pipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	py.Cmd.Stdin = stdinR

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		stdinR.Close()
		stdin.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the child's ends in the parent so only the child holds them
	w.Close()
	stdinR.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.Timeout,
	}, nil
}

// readDeadliner and writeDeadliner are implemented by *os.File pipes.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Communicate sends one framed request and returns the framed response body.
// Protocol: [Length][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A worker that stops reading must not block the write either
	if w.Timeout > 0 {
		deadline := time.Now().Add(w.Timeout)
		if d, ok := w.Stdin.(writeDeadliner); ok {
			d.SetWriteDeadline(deadline)
			defer d.SetWriteDeadline(time.Time{})
		}
		if d, ok := w.DataPipe.(readDeadliner); ok {
			d.SetReadDeadline(deadline)
			defer d.SetReadDeadline(time.Time{})
		}
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read from the clean DataPipe, so no magic byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where a crashed interpreter shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("%w: %d byte response", ErrProtocol, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect runs op on a JPEG-encoded region. Boxes come back in the region's own pixel
// coordinates (origin at its top-left corner).
func (w *PythonWorker) Detect(op Op, threshold float32, jpeg []byte) ([]types.Detection, error) {
	req := make([]byte, 0, 5+len(jpeg))
	req = append(req, byte(op))
	req = binary.BigEndian.AppendUint32(req, math.Float32bits(threshold))
	req = append(req, jpeg...)

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// decodeResponse parses
//
//	status 0: [u32 n] n * ([i32 x0 y0 x1 y1][f32 conf][u8 lablen][label])
//	status 1: [u32 len][msg]
func decodeResponse(body []byte) ([]types.Detection, error) {
	rd := bytes.NewReader(body)

	status, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing status", ErrProtocol)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: truncated error", ErrProtocol)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("%w: truncated error", ErrProtocol)
		}
		return nil, &RemoteError{Msg: string(msg)}
	}
	if status != statusOK {
		return nil, fmt.Errorf("%w: unknown status %d", ErrProtocol, status)
	}

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: missing count", ErrProtocol)
	}
	// Each record is at least 21 bytes
	if int(n) > rd.Len()/21 {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrProtocol, n, rd.Len())
	}

	dets := make([]types.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec struct {
			Box  [4]int32
			Conf float32
			Len  uint8
		}
		if err := binary.Read(rd, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d", ErrProtocol, i)
		}
		label := make([]byte, rec.Len)
		if _, err := io.ReadFull(rd, label); err != nil {
			return nil, fmt.Errorf("%w: truncated label %d", ErrProtocol, i)
		}
		dets = append(dets, types.Detection{
			Box:        rectOf(rec.Box),
			Confidence: float64(rec.Conf),
			Label:      string(label),
		})
	}
	return dets, nil
}

func rectOf(b [4]int32) image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

// Close closes the pipes and waits for the process. A process that has not exited
// within closeGrace is killed.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		w.Cmd.Process.Kill()
		return <-done
	}
}
