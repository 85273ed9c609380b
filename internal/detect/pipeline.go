package detect

import (
	"context"
	"image"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// LivenessCropScale is how far the face box is grown before the liveness check; the
// anti-spoof model needs the surroundings (screen bezels, paper edges) to decide.
const LivenessCropScale = 2.7

// Options configures a Pipeline.
type Options struct {
	ConfidenceFloor   float64
	LivenessThreshold float64
	// LivenessFailOpen accepts faces whose liveness could not be checked.
	LivenessFailOpen bool
	// Parallelism bounds concurrent stage calls per frame. Zero means one per box.
	Parallelism int
	// ErrorInterval throttles repeated per-frame stage error logs.
	ErrorInterval time.Duration
}

// Result is the complete, ordered outcome of one frame. People are in presence order;
// Faces are grouped by person, then in face-detector order.
type Result struct {
	People []types.Detection
	Faces  []types.FaceVerdict
}

// Accepted returns the faces that passed liveness.
func (r Result) Accepted() []types.FaceVerdict {
	var out []types.FaceVerdict
	for _, f := range r.Faces {
		if f.Live {
			out = append(out, f)
		}
	}
	return out
}

// Fraud counts faces the liveness model actually rejected.
func (r Result) Fraud() int {
	n := 0
	for _, f := range r.Faces {
		if f.Checked && !f.Live {
			n++
		}
	}
	return n
}

// Pipeline runs Presence -> Face -> Liveness. Any stage may be nil, which degrades it to
// "no detections" (or, for liveness with LivenessFailOpen, to "everyone is live").
type Pipeline struct {
	stages [3]Detector
	opts   Options
	log    logrus.FieldLogger
	warn   [3]*rate.Sometimes
}

// NewPipeline builds a pipeline and reports disabled stages once.
func NewPipeline(presence, face, liveness Detector, opts Options, log logrus.FieldLogger) *Pipeline {
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = 10 * time.Second
	}
	p := &Pipeline{
		stages: [3]Detector{presence, face, liveness},
		opts:   opts,
		log:    log,
	}
	for i := range p.warn {
		p.warn[i] = &rate.Sometimes{First: 1, Interval: opts.ErrorInterval}
	}

	for i, d := range p.stages {
		if d == nil {
			log.WithFields(logrus.Fields{
				"stage":     Stage(i).String(),
				"fail_open": Stage(i) == Liveness && opts.LivenessFailOpen,
			}).WithError(ErrDetectorUnavailable).Warn("Detection stage disabled")
		}
	}
	return p
}

// Run processes one frame. It never returns a partial result and never fails: stage errors
// become empty stage output.
func (p *Pipeline) Run(ctx context.Context, frame image.Image) Result {
	var res Result

	people, err := p.call(ctx, Presence, frame)
	if err != nil {
		p.stageError(Presence, err)
		return res
	}
	for _, d := range people {
		if d.Label != "" && d.Label != types.LabelPerson {
			continue
		}
		if d.Confidence <= p.opts.ConfidenceFloor {
			continue
		}
		d.Box = d.Box.Intersect(frame.Bounds())
		if d.Box.Empty() {
			continue
		}
		res.People = append(res.People, d)
	}
	if len(res.People) == 0 {
		return res
	}

	// Face localization, one slot per person
	faceSlots := make([][]types.Detection, len(res.People))
	g := p.group()
	for i, person := range res.People {
		g.Go(func() error {
			crop, err := Crop(frame, person.Box)
			if err != nil {
				return nil
			}
			faces, err := p.call(ctx, Face, crop)
			if err != nil {
				p.stageError(Face, err)
				return nil
			}
			for _, f := range faces {
				f = f.Translate(person.Box.Min)
				f.Box = f.Box.Intersect(frame.Bounds())
				if f.Box.Empty() {
					continue
				}
				if f.Label == "" {
					f.Label = types.LabelFace
				}
				faceSlots[i] = append(faceSlots[i], f)
			}
			return nil
		})
	}
	g.Wait()

	var faces []types.Detection
	for _, slot := range faceSlots {
		faces = append(faces, slot...)
	}
	if len(faces) == 0 {
		return res
	}

	// Liveness, one slot per face
	res.Faces = make([]types.FaceVerdict, len(faces))
	g = p.group()
	for i, f := range faces {
		g.Go(func() error {
			res.Faces[i] = p.liveness(ctx, frame, f)
			return nil
		})
	}
	g.Wait()
	return res
}

func (p *Pipeline) liveness(ctx context.Context, frame image.Image, face types.Detection) types.FaceVerdict {
	v := types.FaceVerdict{Detection: face}

	crop, err := Crop(frame, Expand(face.Box, LivenessCropScale, frame.Bounds()))
	if err == nil {
		var out []types.Detection
		out, err = p.call(ctx, Liveness, crop)
		if err == nil && len(out) > 0 {
			v.Realness = out[0].Confidence
			v.Checked = true
			v.Live = v.Realness > p.opts.LivenessThreshold
			return v
		}
		if err == nil {
			err = ErrDetectorUnavailable
		}
	}

	p.stageError(Liveness, err)
	if p.opts.LivenessFailOpen {
		v.Realness = 1
		v.Live = true
	}
	return v
}

func (p *Pipeline) call(ctx context.Context, s Stage, region image.Image) ([]types.Detection, error) {
	d := p.stages[s]
	if d == nil {
		return nil, ErrDetectorUnavailable
	}
	return d.Detect(ctx, region)
}

func (p *Pipeline) group() *errgroup.Group {
	g := new(errgroup.Group)
	if p.opts.Parallelism > 0 {
		g.SetLimit(p.opts.Parallelism)
	}
	return g
}

// stageError logs per-frame failures at most once per ErrorInterval per stage.
// Disabled stages were already reported at construction.
func (p *Pipeline) stageError(s Stage, err error) {
	if p.stages[s] == nil {
		return
	}
	p.warn[s].Do(func() {
		p.log.WithField("stage", s.String()).WithError(err).Warn("Detection stage failed, treating as no detections")
	})
}
