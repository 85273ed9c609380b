// Package controller runs the frame loop: source, motion gate, detection pipeline,
// scorer and capture session, handing finalized evidence to the dispatcher.
package controller

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/dispatch"
	"github.com/andresmejia3/sentinel-fog/internal/scorer"
	"github.com/andresmejia3/sentinel-fog/internal/session"
	"github.com/andresmejia3/sentinel-fog/internal/source"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pipeline is the detection stage chain. *detect.Pipeline implements it.
type Pipeline interface {
	Run(ctx context.Context, frame image.Image) detect.Result
}

// Dispatcher receives finalized bundles. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(b *types.EvidenceBundle) dispatch.Handle
}

// Stats are cumulative loop counters.
type Stats struct {
	Frames       int
	MotionFrames int
	Analyzed     int
	People       int
	Faces        int
	Accepted     int
	Fraud        int
	Sessions     int
	Evidence     int
	Resets       int
	Ignored      int
}

// Controller owns the capture session. Every method must be called from the loop goroutine.
type Controller struct {
	src        source.Source
	gate       detect.Detector
	pipeline   Pipeline
	dispatcher Dispatcher
	machine    *session.Machine
	timing     session.Timing
	reporter   Reporter
	log        logrus.FieldLogger

	gateWarn rate.Sometimes
	stats    Stats
	last     time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithReporter replaces the default no-op status reporter.
func WithReporter(r Reporter) Option { return func(c *Controller) { c.reporter = r } }

// WithMachine injects a preconfigured session machine.
func WithMachine(m *session.Machine) Option { return func(c *Controller) { c.machine = m } }

// New wires the loop. gate may be nil, in which case every frame counts as motion.
func New(src source.Source, gate detect.Detector, pipeline Pipeline, dispatcher Dispatcher,
	timing session.Timing, log logrus.FieldLogger, opts ...Option) *Controller {
	c := &Controller{
		src:        src,
		gate:       gate,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		timing:     timing,
		reporter:   nopReporter{},
		log:        log,
		gateWarn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	if c.machine == nil {
		c.machine = session.New(timing)
	}
	if gate == nil {
		log.WithError(detect.ErrDetectorUnavailable).Warn("Motion gate disabled, analysing every frame")
	}
	return c
}

// Run processes frames until ctx is cancelled. Stream outages are handled by the source.
func (c *Controller) Run(ctx context.Context) error {
	defer c.reporter.Close()
	c.log.WithFields(logrus.Fields{
		"collection_window": c.timing.CollectionWindow,
		"patience":          c.timing.PatienceTimeout,
		"no_motion":         c.timing.NoMotionTimeout,
		"cooldown":          c.timing.Cooldown,
	}).Info("Watching stream")

	for {
		frame, err := c.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			// Only plain sources end up here; the reconnecting wrapper never gives up
			return err
		}
		c.Process(ctx, frame)
	}
}

// Process runs one frame through the whole chain and advances the session.
func (c *Controller) Process(ctx context.Context, frame *types.Frame) session.Outcome {
	c.stats.Frames++
	now := frame.Time
	if now.IsZero() {
		now = time.Now()
	}
	// Session time never runs backwards
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now

	motion := c.motion(ctx, frame.Image)
	if motion {
		c.stats.MotionFrames++
	}

	obs := session.Observation{Now: now, Motion: motion}
	// Cooldown ignores detections, so the expensive stages are skipped entirely
	if motion && c.machine.Accepting() && c.pipeline != nil {
		c.stats.Analyzed++
		res := c.pipeline.Run(ctx, frame.Image)
		c.stats.People += len(res.People)
		c.stats.Faces += len(res.Faces)
		obs.FraudAttempts = res.Fraud()
		obs.Candidates = c.candidates(frame, res.Accepted())
	}

	out := c.machine.Step(obs)
	c.stats.Accepted += len(obs.Candidates)
	c.stats.Fraud += out.Fraud
	c.stats.Ignored += out.Ignored
	c.handle(out, frame)

	c.reporter.Report(c.machine.Status(now), c.stats)
	return out
}

func (c *Controller) motion(ctx context.Context, img image.Image) bool {
	if c.gate == nil {
		return true
	}
	regions, err := c.gate.Detect(ctx, img)
	if err != nil {
		c.gateWarn.Do(func() {
			c.log.WithError(err).Warn("Motion gate failed, treating frame as static")
		})
		return false
	}
	return len(regions) > 0
}

// candidates crops and scores every accepted face. Empty crops are skipped.
func (c *Controller) candidates(frame *types.Frame, faces []types.FaceVerdict) []types.Candidate {
	var out []types.Candidate
	for _, f := range faces {
		crop, err := detect.Crop(frame.Image, f.Box)
		if err != nil {
			continue
		}
		out = append(out, types.Candidate{
			Box:   f.Box,
			Score: scorer.Score(crop),
			Face:  crop,
			Frame: frame,
		})
	}
	return out
}

func (c *Controller) handle(out session.Outcome, frame *types.Frame) {
	log := c.log.WithFields(logrus.Fields{"session_id": out.SessionID, "frame": frame.Seq})
	if out.Fraud > 0 {
		log.WithField("count", out.Fraud).Warn("Spoof attempt rejected by liveness check")
	}

	switch out.Transition {
	case session.Started:
		c.stats.Sessions++
		log.Info("Live face detected, collecting evidence")
	case session.Finalized:
		c.stats.Evidence++
		b := out.Bundle
		h := c.dispatcher.Dispatch(b)
		log.WithFields(logrus.Fields{
			"evidence_id": h.ID,
			"reason":      out.Reason,
			"quality":     b.QualityScore,
			"fraud":       b.FraudAttemptCount,
		}).Info("Evidence captured")
	case session.Reset:
		c.stats.Resets++
		log.WithField("reason", out.Reason).Info("Capture abandoned")
	case session.Ready:
		log.Debug("Cooldown finished")
	}
}

// Stats returns the counters so far.
func (c *Controller) Stats() Stats { return c.stats }

// State returns the session state.
func (c *Controller) State() session.State { return c.machine.State() }
