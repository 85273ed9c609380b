package controller

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/session"
	"github.com/schollz/progressbar/v3"
)

// Reporter shows the session state after every frame.
type Reporter interface {
	Report(st session.Status, stats Stats)
	Close()
}

type nopReporter struct{}

func (nopReporter) Report(session.Status, Stats) {}
func (nopReporter) Close()                       {}

// BarReporter renders the state and countdowns as a single status bar. The bar fills
// through the collection window and again through the cooldown.
type BarReporter struct {
	bar    *progressbar.ProgressBar
	timing session.Timing
}

// NewBarReporter writes to w (normally stderr so stdout stays clean).
func NewBarReporter(w io.Writer, timing session.Timing) *BarReporter {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("👁️  IDLE"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	return &BarReporter{bar: bar, timing: timing}
}

func (r *BarReporter) Report(st session.Status, stats Stats) {
	r.bar.Describe(Describe(st, stats))
	r.bar.Set(int(st.Progress(r.timing) * 100))
}

func (r *BarReporter) Close() {
	r.bar.Finish()
}

// Describe renders a one-line summary of the session state.
func Describe(st session.Status, stats Stats) string {
	var b strings.Builder
	switch st.State {
	case session.Collecting:
		fmt.Fprintf(&b, "🎯 COLLECTING %.1fs left", st.CollectRemaining.Seconds())
		fmt.Fprintf(&b, " | patience %.1fs", st.PatienceRemaining.Seconds())
		if st.HasBest {
			fmt.Fprintf(&b, " | best %.1f", st.BestScore)
		}
		if st.FraudAttempts > 0 {
			fmt.Fprintf(&b, " | ⚠️ fraud %d", st.FraudAttempts)
		}
	case session.Cooldown:
		fmt.Fprintf(&b, "⏳ COOLDOWN %.1fs", st.CooldownRemaining.Seconds())
	default:
		b.WriteString("👁️  IDLE")
	}
	fmt.Fprintf(&b, " | evidence %d", stats.Evidence)
	return b.String()
}
