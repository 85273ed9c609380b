package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus"
)

// encodeBufferPool recycles JPEG encode buffers across requests.
var encodeBufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Engine is one model process. *PythonWorker implements it.
type Engine interface {
	Detect(op Op, threshold float32, jpeg []byte) ([]types.Detection, error)
	Close() error
}

// Launcher starts engine number id.
type Launcher func(ctx context.Context, id int) (Engine, error)

// PythonLauncher launches PythonWorkers from cfg.
func PythonLauncher(cfg Config) Launcher {
	return func(ctx context.Context, id int) (Engine, error) {
		w, err := NewPythonWorker(ctx, id, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

type slot struct {
	id     int
	engine Engine
}

// Pool shares a fixed number of engines between the pipeline stages. An engine whose pipe
// breaks is closed and relaunched on its next use.
type Pool struct {
	ctx    context.Context
	launch Launcher
	log    logrus.FieldLogger
	idle   chan *slot

	mu     sync.Mutex
	closed bool
	all    []*slot
}

// NewPool launches n engines. If any fails to start, the ones already running are stopped.
func NewPool(ctx context.Context, n int, launch Launcher, log logrus.FieldLogger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		ctx:    ctx,
		launch: launch,
		log:    log,
		idle:   make(chan *slot, n),
	}
	for i := 0; i < n; i++ {
		e, err := launch(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("engine %d: %w", i, err)
		}
		s := &slot{id: i, engine: e}
		p.all = append(p.all, s)
		p.idle <- s
	}
	log.WithField("engines", n).Info("Detector engines ready")
	return p, nil
}

// Size returns the number of engines.
func (p *Pool) Size() int { return cap(p.idle) }

// Run encodes region as JPEG and runs op on the next free engine.
func (p *Pool) Run(ctx context.Context, op Op, threshold float64, region image.Image) ([]types.Detection, error) {
	if region.Bounds().Empty() {
		return nil, detect.ErrEmptyRegion
	}

	buf := encodeBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodeBufferPool.Put(buf)
	if err := jpeg.Encode(buf, region, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode %s region: %w", op, err)
	}

	var s *slot
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- s }()

	if s.engine == nil {
		if err := p.relaunch(s); err != nil {
			return nil, fmt.Errorf("%w: %v", detect.ErrDetectorUnavailable, err)
		}
	}

	dets, err := s.engine.Detect(op, float32(threshold), buf.Bytes())
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			// Broken pipe, timeout or garbage: this process cannot be trusted any more
			p.log.WithFields(logrus.Fields{"engine": s.id, "op": op.String()}).WithError(err).Warn("Engine failed, restarting on next use")
			s.engine.Close()
			s.engine = nil
		}
		return nil, err
	}
	return dets, nil
}

func (p *Pool) relaunch(s *slot) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("pool closed")
	}
	e, err := p.launch(p.ctx, s.id)
	if err != nil {
		return err
	}
	s.engine = e
	p.log.WithField("engine", s.id).Info("Engine restarted")
	return nil
}

// Stage returns a pipeline Detector that runs op on this pool.
func (p *Pool) Stage(op Op, threshold float64) detect.Detector {
	return detect.DetectorFunc(func(ctx context.Context, region image.Image) ([]types.Detection, error) {
		return p.Run(ctx, op, threshold, region)
	})
}

// Close stops every engine. Requests in flight finish first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := p.all
	p.mu.Unlock()

	drained := make([]*slot, 0, len(all))
	for range all {
		s := <-p.idle
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				p.log.WithField("engine", s.id).WithError(err).Debug("Engine exited with error")
			}
			s.engine = nil
		}
		drained = append(drained, s)
	}
	// Late callers get an error from relaunch instead of blocking
	for _, s := range drained {
		p.idle <- s
	}
}
