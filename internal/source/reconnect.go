package source

import (
	"context"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Reconnecting reopens its source after a fixed backoff whenever it fails. Next only
// returns an error when ctx is done.
type Reconnecting struct {
	open    Opener
	backoff time.Duration
	log     logrus.FieldLogger
	warn    rate.Sometimes

	cur     Source
	seq     int
	outages int
	down    time.Time

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnecting wraps open with unbounded fixed-backoff retries.
func NewReconnecting(open Opener, backoff time.Duration, log logrus.FieldLogger) *Reconnecting {
	return &Reconnecting{
		open:    open,
		backoff: backoff,
		log:     log,
		warn:    rate.Sometimes{First: 1, Interval: time.Minute},
		sleep:   sleepCtx,
	}
}

// Next blocks until a frame is available or ctx is cancelled. Frames are renumbered so
// sequence numbers keep increasing across reconnects.
func (r *Reconnecting) Next(ctx context.Context) (*types.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.cur == nil {
			src, err := r.open(ctx)
			if err != nil {
				if err := r.wait(ctx, err); err != nil {
					return nil, err
				}
				continue
			}
			r.cur = src
		}

		frame, err := r.cur.Next(ctx)
		if err == nil {
			if !r.down.IsZero() {
				r.log.WithFields(logrus.Fields{
					"outage":  time.Since(r.down).Round(time.Millisecond).String(),
					"outages": r.outages,
				}).Info("Stream restored")
				r.down = time.Time{}
			}
			r.seq++
			frame.Seq = r.seq
			return frame, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		r.cur.Close()
		r.cur = nil
		if err := r.wait(ctx, err); err != nil {
			return nil, err
		}
	}
}

// wait records the outage, logs it (throttled) and sleeps the backoff.
func (r *Reconnecting) wait(ctx context.Context, cause error) error {
	if r.down.IsZero() {
		r.down = time.Now()
		r.outages++
	}
	r.warn.Do(func() {
		r.log.WithField("retry_in", r.backoff.String()).WithError(cause).Warn("Stream unavailable, reconnecting")
	})
	return r.sleep(ctx, r.backoff)
}

// Outages returns how many times the stream went down.
func (r *Reconnecting) Outages() int { return r.outages }

func (r *Reconnecting) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
