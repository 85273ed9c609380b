package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus/hooks/test"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frameResponse(payload []byte) *MockCloser {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
	return pipe
}

func okPayload(dets ...types.Detection) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(len(dets)))
	for _, d := range dets {
		binary.Write(payload, binary.BigEndian, [4]int32{
			int32(d.Box.Min.X), int32(d.Box.Min.Y), int32(d.Box.Max.X), int32(d.Box.Max.Y),
		})
		binary.Write(payload, binary.BigEndian, float32(d.Confidence))
		payload.WriteByte(byte(len(d.Label)))
		payload.WriteString(d.Label)
	}
	return payload.Bytes()
}

func TestDetect(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := frameResponse(okPayload(
		types.Detection{Box: image.Rect(10, 10, 20, 20), Confidence: 0.75, Label: "person"},
		types.Detection{Box: image.Rect(30, 5, 60, 90), Confidence: 0.5},
	))

	// Cmd is nil because we aren't testing process management, just the protocol
	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	inputFrame := []byte{0xFF, 0xD8, 0xBE, 0xEF, 0xFF, 0xD9}
	dets, err := w.Detect(OpPresence, 0.5, inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify the request framing: [len][op][threshold][jpeg]
	sent := stdinMock.Bytes()
	if len(sent) != 4+1+4+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+1+4+len(inputFrame), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[:4]); got != uint32(1+4+len(inputFrame)) {
		t.Errorf("Length header = %d", got)
	}
	if sent[4] != 'P' {
		t.Errorf("Op byte = %q, want 'P'", sent[4])
	}
	if th := math.Float32frombits(binary.BigEndian.Uint32(sent[5:9])); th != 0.5 {
		t.Errorf("Threshold = %v, want 0.5", th)
	}
	if !bytes.Equal(sent[9:], inputFrame) {
		t.Error("JPEG payload corrupted in transit")
	}

	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if dets[0].Box != image.Rect(10, 10, 20, 20) || dets[0].Label != "person" {
		t.Errorf("First detection = %+v", dets[0])
	}
	// Use epsilon for float comparison
	if math.Abs(dets[0].Confidence-0.75) > 1e-6 {
		t.Errorf("Expected confidence approx 0.75, got %f", dets[0].Confidence)
	}
	if dets[1].Label != "" {
		t.Errorf("Second detection should be unlabelled, got %q", dets[1].Label)
	}
}

func TestDetect_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: frameResponse(payload.Bytes())}

	_, err := w.Detect(OpLiveness, 0, []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Errorf("Expected a RemoteError, got %T", err)
	}
}

func TestCommunicate_WorkerStopsReading(t *testing.T) {
	// Nobody reads stdinR, so a request bigger than the pipe buffer cannot be written
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdinR.Close()
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer dataW.Close()

	w := &PythonWorker{ID: 1, Stdin: stdinW, DataPipe: dataR, Timeout: 200 * time.Millisecond}
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		_, err := w.Communicate(make([]byte, 256<<10))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("Expected a deadline error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Communicate still blocked long after the worker timeout")
	}
}

func TestCommunicate_SilentWorkerTimesOut(t *testing.T) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdinR.Close()
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer dataW.Close()

	w := &PythonWorker{ID: 1, Stdin: stdinW, DataPipe: dataR, Timeout: 100 * time.Millisecond}
	defer w.Close()

	start := time.Now()
	_, err = w.Communicate([]byte("tiny"))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Expected a deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Read deadline ignored, took %v", elapsed)
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	full := okPayload(types.Detection{Box: image.Rect(1, 2, 3, 4), Confidence: 1, Label: "face"})

	tests := []struct {
		name string
		body []byte
	}{
		{"Empty body", nil},
		{"Unknown status", []byte{7}},
		{"Missing count", []byte{0, 0}},
		{"Count larger than body", []byte{0, 0, 0, 0, 9}},
		{"Truncated record", full[:len(full)-6]},
		{"Truncated label", full[:len(full)-1]},
		{"Truncated error message", []byte{1, 0, 0, 0, 10, 'o', 'o', 'p', 's'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeResponse(tt.body); !errors.Is(err, ErrProtocol) {
				t.Errorf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestCommunicate_OversizedHeader(t *testing.T) {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(maxResponse+1))

	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pipe}
	if _, err := w.Communicate([]byte("x")); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", err)
	}
}

func TestCommunicate_CrashedWorker(t *testing.T) {
	// Interpreter died before answering: the data pipe is simply empty
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.Communicate([]byte("x")); err == nil {
		t.Error("Expected EOF from a dead worker")
	}
}

func TestNewPythonWorker_EmptyCommand(t *testing.T) {
	if _, err := NewPythonWorker(context.Background(), 0, Config{}); err == nil {
		t.Error("Expected error for empty command")
	}
}

// fakeEngine records calls and replays scripted results.
type fakeEngine struct {
	id     int
	mu     sync.Mutex
	calls  []Op
	dets   []types.Detection
	err    error
	closed bool
}

func (f *fakeEngine) Detect(op Op, _ float32, jpeg []byte) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if len(jpeg) < 2 || jpeg[0] != 0xFF || jpeg[1] != 0xD8 {
		return nil, errors.New("not a jpeg")
	}
	return f.dets, f.err
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failAt  int
	script  func(e *fakeEngine)
}

func (l *fakeLauncher) launch(_ context.Context, id int) (Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAt > 0 && len(l.engines)+1 == l.failAt {
		return nil, errors.New("python3: not found")
	}
	e := &fakeEngine{id: id}
	if l.script != nil {
		l.script(e)
	}
	l.engines = append(l.engines, e)
	return e, nil
}

func region() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 16, 16))
}

func TestPool_Stage(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{script: func(e *fakeEngine) {
		e.dets = []types.Detection{{Box: image.Rect(0, 0, 4, 4), Confidence: 0.9, Label: "face"}}
	}}
	pool, err := NewPool(context.Background(), 2, l.launch, log)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if pool.Size() != 2 {
		t.Errorf("Size = %d, want 2", pool.Size())
	}

	var d detect.Detector = pool.Stage(OpFace, 0.5)
	dets, err := d.Detect(context.Background(), region())
	if err != nil {
		t.Fatalf("Stage detect failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "face" {
		t.Errorf("Unexpected detections: %+v", dets)
	}
}

func TestPool_EmptyRegion(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{}
	pool, _ := NewPool(context.Background(), 1, l.launch, log)
	defer pool.Close()

	_, err := pool.Run(context.Background(), OpFace, 0, image.NewRGBA(image.Rectangle{}))
	if !errors.Is(err, detect.ErrEmptyRegion) {
		t.Errorf("Expected ErrEmptyRegion, got %v", err)
	}
}

func TestPool_RestartsBrokenEngine(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{script: func(e *fakeEngine) {
		if e.id == 0 {
			e.err = errors.New("broken pipe")
		}
	}}
	pool, err := NewPool(context.Background(), 1, l.launch, log)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if _, err := pool.Run(context.Background(), OpPresence, 0.5, region()); err == nil {
		t.Fatal("Expected the first call to fail")
	}

	// Relaunched engine comes from the same script, so make it healthy first
	l.mu.Lock()
	l.script = nil
	l.mu.Unlock()

	if _, err := pool.Run(context.Background(), OpPresence, 0.5, region()); err != nil {
		t.Fatalf("Expected relaunched engine to work, got %v", err)
	}
	if len(l.engines) != 2 {
		t.Fatalf("Expected a relaunch, got %d launches", len(l.engines))
	}
	if !l.engines[0].closed {
		t.Error("Broken engine should be closed")
	}
}

func TestPool_RemoteErrorKeepsEngine(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{script: func(e *fakeEngine) {
		e.err = &RemoteError{Msg: "model not loaded"}
	}}
	pool, _ := NewPool(context.Background(), 1, l.launch, log)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		pool.Run(context.Background(), OpLiveness, 0, region())
	}
	if len(l.engines) != 1 {
		t.Errorf("Remote errors must not restart the engine, got %d launches", len(l.engines))
	}
}

func TestPool_StartupFailure(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{failAt: 3}
	if _, err := NewPool(context.Background(), 3, l.launch, log); err == nil {
		t.Fatal("Expected startup failure")
	}
	for i, e := range l.engines {
		if !e.closed {
			t.Errorf("Engine %d left running after a failed startup", i)
		}
	}
}

func TestPool_RunAfterClose(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{}
	pool, _ := NewPool(context.Background(), 1, l.launch, log)
	pool.Close()

	_, err := pool.Run(context.Background(), OpFace, 0, region())
	if !errors.Is(err, detect.ErrDetectorUnavailable) {
		t.Errorf("Expected ErrDetectorUnavailable after Close, got %v", err)
	}
}

func TestPool_RespectsContext(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &fakeLauncher{}
	pool, _ := NewPool(context.Background(), 1, l.launch, log)
	defer pool.Close()

	// Hold the only engine
	held := <-pool.idle
	defer func() { pool.idle <- held }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Run(ctx, OpFace, 0, region()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
