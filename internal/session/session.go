// Package session implements the capture-session state machine: it turns per-frame
// detection results into at most one evidence bundle per subject appearance.
//
// The Machine is owned by a single goroutine (the frame loop) and is not safe for
// concurrent use. Time is always supplied by the caller so that transitions are a pure
// function of the observed frame sequence.
package session

import (
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/google/uuid"
)

// State of the capture session.
type State int

const (
	Idle State = iota
	Collecting
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Collecting:
		return "COLLECTING"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Finalize and reset reasons.
const (
	ReasonWindowComplete = "window-complete"
	ReasonSubjectLost    = "subject-lost-with-evidence"
	ReasonFalsePositive  = "false-positive"
	ReasonNoMotion       = "no-motion"
)

// Timing holds the four session durations.
type Timing struct {
	CollectionWindow time.Duration
	PatienceTimeout  time.Duration
	NoMotionTimeout  time.Duration
	Cooldown         time.Duration
}

// Observation is everything the machine learns from one processed frame.
type Observation struct {
	Now           time.Time
	Motion        bool
	Candidates    []types.Candidate
	FraudAttempts int
}

// Transition reports what a Step did to the session.
type Transition int

const (
	None      Transition = iota
	Started              // Idle -> Collecting
	Finalized            // Collecting -> Cooldown, Bundle is set
	Reset                // Collecting -> Idle, no bundle
	Ready                // Cooldown -> Idle
)

func (t Transition) String() string {
	switch t {
	case Started:
		return "started"
	case Finalized:
		return "finalized"
	case Reset:
		return "reset"
	case Ready:
		return "ready"
	default:
		return "none"
	}
}

// Outcome of a single Step.
type Outcome struct {
	Transition Transition
	Reason     string
	SessionID  string
	Bundle     *types.EvidenceBundle
	// Improved is true when this frame replaced the best candidate.
	Improved bool
	// Ignored counts candidates discarded because the session is cooling down.
	Ignored int
	// Fraud counts liveness-rejected faces seen in this frame, whatever the state.
	Fraud int
}

// capture is the mutable session record. The zero value is an empty Idle session.
type capture struct {
	id            string
	startTime     time.Time
	lastAccepted  time.Time
	lastMotion    time.Time
	best          *types.Candidate
	fraudAttempts int
	cooldownStart time.Time
}

// Machine is the single process-wide capture session.
type Machine struct {
	timing Timing
	state  State
	cur    capture

	newEvidenceID func(time.Time) (string, error)
	newSessionID  func() string
}

// Option customizes a Machine.
type Option func(*Machine)

// WithEvidenceIDs overrides how bundle IDs are generated.
func WithEvidenceIDs(fn func(time.Time) (string, error)) Option {
	return func(m *Machine) { m.newEvidenceID = fn }
}

// WithSessionIDs overrides how session IDs are generated.
func WithSessionIDs(fn func() string) Option {
	return func(m *Machine) { m.newSessionID = fn }
}

// New returns a Machine in Idle.
func New(timing Timing, opts ...Option) *Machine {
	m := &Machine{
		timing:        timing,
		newEvidenceID: utils.NewEvidenceID,
		newSessionID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Accepting reports whether detections can influence the session right now.
// Callers use it to skip the detection pipeline during cooldown.
func (m *Machine) Accepting() bool { return m.state != Cooldown }

// Step advances the machine by one frame.
func (m *Machine) Step(obs Observation) Outcome {
	out := Outcome{Fraud: obs.FraudAttempts}

	switch m.state {
	case Cooldown:
		out.Ignored = len(obs.Candidates)
		out.SessionID = m.cur.id
		if obs.Now.Sub(m.cur.cooldownStart) >= m.timing.Cooldown {
			m.clear()
			out.Transition = Ready
		}
		return out

	case Idle:
		if len(obs.Candidates) == 0 {
			return out
		}
		m.start(obs)
		out.Transition = Started
		out.Improved = true

	case Collecting:
		out.Improved = m.update(obs)
	}

	out.SessionID = m.cur.id
	return m.evaluate(obs.Now, out)
}

func (m *Machine) start(obs Observation) {
	best := bestOf(obs.Candidates)
	m.state = Collecting
	m.cur = capture{
		id:            m.newSessionID(),
		startTime:     obs.Now,
		lastAccepted:  obs.Now,
		lastMotion:    obs.Now,
		best:          &best,
		fraudAttempts: obs.FraudAttempts,
	}
}

// update folds one frame into an active session. It returns true if the best shot improved.
func (m *Machine) update(obs Observation) bool {
	if obs.Motion {
		m.cur.lastMotion = obs.Now
	}
	// Fraud never refreshes lastAccepted
	m.cur.fraudAttempts += obs.FraudAttempts

	if len(obs.Candidates) == 0 {
		return false
	}
	m.cur.lastAccepted = obs.Now

	challenger := bestOf(obs.Candidates)
	// Strict improvement only: ties keep the earlier candidate
	if m.cur.best == nil || challenger.Score > m.cur.best.Score {
		m.cur.best = &challenger
		return true
	}
	return false
}

// evaluate checks the exit conditions in their fixed priority order.
func (m *Machine) evaluate(now time.Time, out Outcome) Outcome {
	sinceStart := now.Sub(m.cur.startTime)
	sinceAccepted := now.Sub(m.cur.lastAccepted)
	sinceMotion := now.Sub(m.cur.lastMotion)

	switch {
	case sinceStart >= m.timing.CollectionWindow && m.cur.best != nil:
		return m.finalize(now, ReasonWindowComplete, out)
	case sinceStart >= m.timing.CollectionWindow:
		// Window elapsed with nothing worth keeping
		return m.reset(ReasonFalsePositive, out)
	case sinceAccepted >= m.timing.PatienceTimeout && m.cur.best != nil:
		return m.finalize(now, ReasonSubjectLost, out)
	case sinceAccepted >= m.timing.PatienceTimeout:
		return m.reset(ReasonFalsePositive, out)
	case sinceMotion >= m.timing.NoMotionTimeout:
		return m.reset(ReasonNoMotion, out)
	}
	return out
}

func (m *Machine) finalize(now time.Time, reason string, out Outcome) Outcome {
	best := m.cur.best
	id, err := m.newEvidenceID(now)
	if err != nil || id == "" {
		id = now.UTC().Format("20060102T150405.000000000")
	}

	// Deep copies: the bundle must not share pixels with anything the loop still holds
	bundle := &types.EvidenceBundle{
		ID:                id,
		SessionID:         m.cur.id,
		FaceImage:         types.CloneImage(best.Face),
		FaceBox:           best.Box,
		QualityScore:      best.Score,
		Reason:            reason,
		FraudAttemptCount: m.cur.fraudAttempts,
		Timestamp:         now,
	}
	if best.Frame != nil {
		bundle.FullImage = types.CloneImage(best.Frame.Image)
	}

	m.state = Cooldown
	m.cur.cooldownStart = now
	m.cur.best = nil

	out.Transition = Finalized
	out.Reason = reason
	out.Bundle = bundle
	return out
}

func (m *Machine) reset(reason string, out Outcome) Outcome {
	m.clear()
	out.Transition = Reset
	out.Reason = reason
	return out
}

func (m *Machine) clear() {
	m.state = Idle
	m.cur = capture{}
}

// bestOf returns the highest scoring candidate; the first one wins ties.
func bestOf(cands []types.Candidate) types.Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}

// Status is a snapshot of the session for reporting.
type Status struct {
	State             State
	SessionID         string
	Elapsed           time.Duration
	CollectRemaining  time.Duration
	PatienceRemaining time.Duration
	CooldownRemaining time.Duration
	BestScore         float64
	HasBest           bool
	FraudAttempts     int
}

// Progress is the fraction of the collection window (or cooldown) already spent, in [0,1].
func (s Status) Progress(t Timing) float64 {
	var total, left time.Duration
	switch s.State {
	case Collecting:
		total, left = t.CollectionWindow, s.CollectRemaining
	case Cooldown:
		total, left = t.Cooldown, s.CooldownRemaining
	default:
		return 0
	}
	if total <= 0 {
		return 1
	}
	return 1 - float64(left)/float64(total)
}

// Status reports the current state and countdowns as of now.
func (m *Machine) Status(now time.Time) Status {
	st := Status{
		State:         m.state,
		SessionID:     m.cur.id,
		FraudAttempts: m.cur.fraudAttempts,
	}
	switch m.state {
	case Collecting:
		st.Elapsed = now.Sub(m.cur.startTime)
		st.CollectRemaining = remaining(m.timing.CollectionWindow, st.Elapsed)
		st.PatienceRemaining = remaining(m.timing.PatienceTimeout, now.Sub(m.cur.lastAccepted))
		if m.cur.best != nil {
			st.HasBest = true
			st.BestScore = m.cur.best.Score
		}
	case Cooldown:
		st.Elapsed = now.Sub(m.cur.cooldownStart)
		st.CooldownRemaining = remaining(m.timing.Cooldown, st.Elapsed)
	}
	return st
}

func remaining(total, spent time.Duration) time.Duration {
	if left := total - spent; left > 0 {
		return left
	}
	return 0
}
