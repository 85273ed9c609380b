package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/dispatch"
	"github.com/andresmejia3/sentinel-fog/internal/session"
	"github.com/andresmejia3/sentinel-fog/internal/source"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus/hooks/test"
)

var (
	epoch  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timing = session.Timing{
		CollectionWindow: 1500 * time.Millisecond,
		PatienceTimeout:  500 * time.Millisecond,
		NoMotionTimeout:  3 * time.Second,
		Cooldown:         5 * time.Second,
	}
	faceBox = image.Rect(10, 10, 30, 30)
)

func checkerboard(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/cell+y/cell)%2 == 0 {
				v = 255
			}
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = v, v, v, 255
		}
	}
	return img
}

func frameAt(seq int, ms int) *types.Frame {
	return &types.Frame{Seq: seq, Time: epoch.Add(time.Duration(ms) * time.Millisecond), Image: checkerboard(64, 64, 2)}
}

func live(box image.Rectangle) types.FaceVerdict {
	return types.FaceVerdict{
		Detection: types.Detection{Box: box, Confidence: 0.9, Label: types.LabelFace},
		Realness:  0.95, Live: true, Checked: true,
	}
}

func spoof(box image.Rectangle) types.FaceVerdict {
	return types.FaceVerdict{
		Detection: types.Detection{Box: box, Confidence: 0.9, Label: types.LabelFace},
		Realness:  0.1, Checked: true,
	}
}

// fakePipeline returns the same result for every frame.
type fakePipeline struct {
	result detect.Result
	calls  int
}

func (p *fakePipeline) Run(context.Context, image.Image) detect.Result {
	p.calls++
	return p.result
}

type fakeDispatcher struct {
	bundles []*types.EvidenceBundle
}

func (d *fakeDispatcher) Dispatch(b *types.EvidenceBundle) dispatch.Handle {
	d.bundles = append(d.bundles, b)
	done := make(chan dispatch.Result, 1)
	done <- dispatch.Result{ID: b.ID}
	close(done)
	return dispatch.Handle{ID: b.ID, Done: done}
}

// switchGate reports motion while on is true.
type switchGate struct{ on bool }

func (g *switchGate) Detect(context.Context, image.Image) ([]types.Detection, error) {
	if !g.on {
		return nil, nil
	}
	return []types.Detection{{Box: image.Rect(0, 0, 64, 64), Label: types.LabelMotion}}, nil
}

type recordingReporter struct {
	states []session.State
	closed bool
}

func (r *recordingReporter) Report(st session.Status, _ Stats) { r.states = append(r.states, st.State) }
func (r *recordingReporter) Close()                            { r.closed = true }

func newController(t *testing.T, gate detect.Detector, p Pipeline, d Dispatcher, opts ...Option) *Controller {
	t.Helper()
	log, _ := test.NewNullLogger()
	machine := session.New(timing, session.WithEvidenceIDs(func(now time.Time) (string, error) {
		return fmt.Sprintf("ev-%d", now.UnixMilli()), nil
	}))
	return New(nil, gate, p, d, timing, log, append([]Option{WithMachine(machine)}, opts...)...)
}

func TestProcess_CapturesOneBundlePerAppearance(t *testing.T) {
	gate := &switchGate{on: true}
	p := &fakePipeline{result: detect.Result{
		People: []types.Detection{{Box: image.Rect(0, 0, 64, 64), Confidence: 0.9, Label: types.LabelPerson}},
		Faces:  []types.FaceVerdict{live(faceBox)},
	}}
	d := &fakeDispatcher{}
	rep := &recordingReporter{}
	c := newController(t, gate, p, d, WithReporter(rep))

	var outcomes []session.Outcome
	seq := 0
	for ms := 0; ms <= 1500; ms += 100 {
		seq++
		outcomes = append(outcomes, c.Process(context.Background(), frameAt(seq, ms)))
	}

	if outcomes[0].Transition != session.Started {
		t.Errorf("first frame: got %v, want started", outcomes[0].Transition)
	}
	last := outcomes[len(outcomes)-1]
	if last.Transition != session.Finalized || last.Reason != session.ReasonWindowComplete {
		t.Fatalf("last frame: got %v/%s", last.Transition, last.Reason)
	}
	if len(d.bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(d.bundles))
	}
	b := d.bundles[0]
	if b.FaceBox != faceBox || b.QualityScore <= 0 {
		t.Errorf("unexpected bundle %+v", b)
	}
	if b.FaceImage.Bounds().Dx() != faceBox.Dx() || b.FullImage.Bounds().Dx() != 64 {
		t.Errorf("unexpected bundle image sizes %v / %v", b.FaceImage.Bounds(), b.FullImage.Bounds())
	}

	// Cooldown: detections ignored and the pipeline is not even run
	callsBefore := p.calls
	for ms := 1600; ms <= 6500; ms += 100 {
		seq++
		c.Process(context.Background(), frameAt(seq, ms))
	}
	if p.calls != callsBefore {
		t.Errorf("pipeline ran %d times during cooldown", p.calls-callsBefore)
	}
	if len(d.bundles) != 1 {
		t.Errorf("cooldown produced %d extra bundles", len(d.bundles)-1)
	}
	if c.State() != session.Idle {
		t.Errorf("expected Idle after cooldown, got %v", c.State())
	}

	st := c.Stats()
	if st.Sessions != 1 || st.Evidence != 1 || st.Frames != seq {
		t.Errorf("unexpected stats %+v", st)
	}
	if len(rep.states) != seq {
		t.Errorf("reporter saw %d frames, want %d", len(rep.states), seq)
	}
}

func TestProcess_StaticSceneSkipsPipeline(t *testing.T) {
	gate := &switchGate{on: false}
	p := &fakePipeline{result: detect.Result{Faces: []types.FaceVerdict{live(faceBox)}}}
	c := newController(t, gate, p, &fakeDispatcher{})

	for i := 0; i < 10; i++ {
		c.Process(context.Background(), frameAt(i+1, i*100))
	}
	if p.calls != 0 {
		t.Errorf("pipeline ran %d times on a static scene", p.calls)
	}
	if c.State() != session.Idle {
		t.Errorf("expected Idle, got %v", c.State())
	}
}

func TestProcess_NilGateAnalysesEveryFrame(t *testing.T) {
	p := &fakePipeline{}
	c := newController(t, nil, p, &fakeDispatcher{})
	for i := 0; i < 3; i++ {
		c.Process(context.Background(), frameAt(i+1, i*100))
	}
	if p.calls != 3 {
		t.Errorf("expected 3 pipeline calls, got %d", p.calls)
	}
}

func TestProcess_SpoofNeverStartsSession(t *testing.T) {
	p := &fakePipeline{result: detect.Result{Faces: []types.FaceVerdict{spoof(faceBox), spoof(image.Rect(40, 40, 60, 60))}}}
	d := &fakeDispatcher{}
	c := newController(t, &switchGate{on: true}, p, d)

	for i := 0; i < 5; i++ {
		out := c.Process(context.Background(), frameAt(i+1, i*100))
		if out.Fraud != 2 {
			t.Errorf("frame %d: fraud = %d, want 2", i, out.Fraud)
		}
	}
	if c.State() != session.Idle || len(d.bundles) != 0 {
		t.Errorf("spoofs started a capture: state %v, bundles %d", c.State(), len(d.bundles))
	}
	if st := c.Stats(); st.Fraud != 10 || st.Accepted != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestProcess_FraudCarriedIntoBundle(t *testing.T) {
	p := &fakePipeline{result: detect.Result{Faces: []types.FaceVerdict{live(faceBox), spoof(image.Rect(40, 40, 60, 60))}}}
	d := &fakeDispatcher{}
	c := newController(t, &switchGate{on: true}, p, d)

	for ms := 0; ms <= 1500; ms += 500 {
		c.Process(context.Background(), frameAt(ms/500+1, ms))
	}
	if len(d.bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(d.bundles))
	}
	if got := d.bundles[0].FraudAttemptCount; got != 4 {
		t.Errorf("fraud attempts = %d, want 4", got)
	}
}

func TestProcess_EmptyFaceBoxSkipped(t *testing.T) {
	p := &fakePipeline{result: detect.Result{Faces: []types.FaceVerdict{live(image.Rect(100, 100, 120, 120))}}}
	c := newController(t, &switchGate{on: true}, p, &fakeDispatcher{})
	out := c.Process(context.Background(), frameAt(1, 0))
	if out.Transition != session.None || c.State() != session.Idle {
		t.Errorf("out-of-frame face should not start a session: %+v", out)
	}
}

func TestProcess_ClockNeverRunsBackwards(t *testing.T) {
	p := &fakePipeline{result: detect.Result{Faces: []types.FaceVerdict{live(faceBox)}}}
	c := newController(t, &switchGate{on: true}, p, &fakeDispatcher{})
	c.Process(context.Background(), frameAt(1, 1000))
	c.Process(context.Background(), frameAt(2, 0))
	st := c.machine.Status(epoch.Add(time.Second))
	if st.Elapsed != 0 {
		t.Errorf("elapsed = %v, want 0", st.Elapsed)
	}
}

// queueSource plays frames, then fails or blocks until cancelled.
type queueSource struct {
	frames []*types.Frame
	err    error
}

func (s *queueSource) Next(ctx context.Context) (*types.Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *queueSource) Close() error { return nil }

func TestRun(t *testing.T) {
	t.Run("stops cleanly on cancel", func(t *testing.T) {
		log, _ := test.NewNullLogger()
		src := &queueSource{frames: []*types.Frame{frameAt(1, 0), frameAt(2, 100)}}
		rep := &recordingReporter{}
		c := New(src, &switchGate{}, &fakePipeline{}, &fakeDispatcher{}, timing, log, WithReporter(rep))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("expected nil on cancel, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		if c.Stats().Frames != 2 || !rep.closed {
			t.Errorf("frames = %d, reporter closed = %v", c.Stats().Frames, rep.closed)
		}
	})

	t.Run("returns when a plain source ends", func(t *testing.T) {
		log, _ := test.NewNullLogger()
		src := &queueSource{err: fmt.Errorf("%w: EOF", source.ErrStreamUnavailable)}
		c := New(src, &switchGate{}, &fakePipeline{}, &fakeDispatcher{}, timing, log)
		if err := c.Run(context.Background()); !errors.Is(err, source.ErrStreamUnavailable) {
			t.Errorf("expected ErrStreamUnavailable, got %v", err)
		}
	})
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		st   session.Status
		want []string
	}{
		{"idle", session.Status{State: session.Idle}, []string{"IDLE", "evidence 3"}},
		{"collecting", session.Status{
			State: session.Collecting, CollectRemaining: 1200 * time.Millisecond, PatienceRemaining: 300 * time.Millisecond,
			HasBest: true, BestScore: 152.25, FraudAttempts: 2,
		}, []string{"COLLECTING 1.2s left", "patience 0.3s", "best 152.2", "fraud 2"}},
		{"cooldown", session.Status{State: session.Cooldown, CooldownRemaining: 4 * time.Second}, []string{"COOLDOWN 4.0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Describe(tt.st, Stats{Evidence: 3})
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Describe() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestBarReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewBarReporter(&buf, timing)
	r.Report(session.Status{State: session.Cooldown, CooldownRemaining: 2500 * time.Millisecond}, Stats{})
	r.Close()
	if buf.Len() == 0 {
		t.Error("expected the status bar to write to its writer")
	}
}
