// Package dispatch persists, uploads and announces evidence bundles off the frame loop.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/notify"
	"github.com/andresmejia3/sentinel-fog/internal/store"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/andresmejia3/sentinel-fog/internal/upload"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is reported for bundles handed over after Close.
var ErrClosed = errors.New("dispatcher closed")

// ledgerTimeout bounds each ledger statement.
const ledgerTimeout = 5 * time.Second

// Ledger records every bundle and its upload outcome. *store.Store implements it.
type Ledger interface {
	InsertEvidence(ctx context.Context, e store.Evidence) error
	MarkUploaded(ctx context.Context, id, faceURL, fullURL string) error
	MarkUploadFailed(ctx context.Context, id string, cause error) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
}

// keyer is implemented by uploaders that prefix object keys.
type keyer interface {
	Key(name string) string
}

// Options configures a Dispatcher.
type Options struct {
	Dir           string
	Workers       int
	Queue         int
	UploadTimeout time.Duration
	CameraID      string
	JPEGQuality   int
}

// Result is what happened to one bundle.
type Result struct {
	ID       string
	FacePath string
	FullPath string
	FaceURL  string
	FullURL  string
	Uploaded bool
	Notified bool
	// Err joins every step that failed. The bundle is never retried after this.
	Err error
}

// Handle identifies a dispatched bundle. Done receives exactly one Result and is then closed.
type Handle struct {
	ID   string
	Done <-chan Result
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Dispatched int64
	Written    int64
	Uploaded   int64
	Failed     int64
	Overflowed int64
}

type job struct {
	bundle *types.EvidenceBundle
	done   chan Result
}

// Dispatcher owns the evidence side effects. The frame loop only ever calls Dispatch.
type Dispatcher struct {
	opts     Options
	log      logrus.FieldLogger
	ledger   Ledger
	uploader upload.Uploader
	notifier notify.Notifier
	now      func() time.Time

	jobs     chan job
	workers  sync.WaitGroup
	overflow sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dispatched, written, uploaded, failed, overflowed atomic.Int64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLedger records bundles in l.
func WithLedger(l Ledger) Option { return func(d *Dispatcher) { d.ledger = l } }

// WithUploader pushes both assets through u.
func WithUploader(u upload.Uploader) Option { return func(d *Dispatcher) { d.uploader = u } }

// WithNotifier announces each bundle through n.
func WithNotifier(n notify.Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

// New starts the worker goroutines.
func New(opts Options, log logrus.FieldLogger, options ...Option) (*Dispatcher, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Queue < 1 {
		opts.Queue = 1
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 95
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 15 * time.Second
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	d := &Dispatcher{
		opts: opts,
		log:  log,
		now:  time.Now,
		jobs: make(chan job, opts.Queue),
	}
	for _, o := range options {
		o(d)
	}

	for i := 0; i < opts.Workers; i++ {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for j := range d.jobs {
				j.done <- d.process(j.bundle)
				close(j.done)
			}
		}()
	}
	return d, nil
}

// Dispatch hands a bundle over and returns immediately. When the queue is full the hand-off
// continues on its own goroutine instead of blocking the caller.
func (d *Dispatcher) Dispatch(b *types.EvidenceBundle) Handle {
	done := make(chan Result, 1)
	h := Handle{ID: b.ID, Done: done}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.WithField("evidence_id", b.ID).Error("Evidence dropped, dispatcher already closed")
		done <- Result{ID: b.ID, Err: ErrClosed}
		close(done)
		return h
	}

	d.dispatched.Add(1)
	j := job{bundle: b, done: done}
	select {
	case d.jobs <- j:
	default:
		d.overflowed.Add(1)
		d.log.WithField("evidence_id", b.ID).Warn("Dispatch queue full, handing off in background")
		d.overflow.Add(1)
		go func() {
			defer d.overflow.Done()
			d.jobs <- j
		}()
	}
	return h
}

// Close stops accepting bundles and waits for every queued one to finish, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.overflow.Wait()
		close(d.jobs)
		d.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("evidence still in flight: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Written:    d.written.Load(),
		Uploaded:   d.uploaded.Load(),
		Failed:     d.failed.Load(),
		Overflowed: d.overflowed.Load(),
	}
}

// metadata is the JSON sidecar stored next to the assets.
type metadata struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	CameraID      string    `json:"camera_id,omitempty"`
	Reason        string    `json:"reason"`
	QualityScore  float64   `json:"quality_score"`
	FraudAttempts int       `json:"fraud_attempts"`
	FaceBox       [4]int    `json:"face_box"`
	Face          string    `json:"face"`
	Full          string    `json:"full"`
	Timestamp     time.Time `json:"timestamp"`
}

type asset struct {
	name string
	data []byte
	path string
	url  string
}

// process runs every side effect for one bundle. Nothing here reaches the frame loop.
func (d *Dispatcher) process(b *types.EvidenceBundle) Result {
	log := d.log.WithFields(logrus.Fields{"evidence_id": b.ID, "session_id": b.SessionID})
	res := Result{ID: b.ID}
	var errs []error

	faceName, fullName := utils.EvidenceAssetNames(b.ID)
	assets := []*asset{{name: faceName}, {name: fullName}}
	for i, img := range []*image.RGBA{b.FaceImage, b.FullImage} {
		data, err := encode(img, d.opts.JPEGQuality)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", assets[i].name, err))
			continue
		}
		assets[i].data = data
	}

	// 1. Local durable copy, always before anything leaves the node
	for _, a := range assets {
		if a.data == nil {
			continue
		}
		p, err := writeAtomic(d.opts.Dir, a.name, a.data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.path = p
	}
	res.FacePath, res.FullPath = assets[0].path, assets[1].path

	meta := metadata{
		ID:            b.ID,
		SessionID:     b.SessionID,
		CameraID:      d.opts.CameraID,
		Reason:        b.Reason,
		QualityScore:  b.QualityScore,
		FraudAttempts: b.FraudAttemptCount,
		FaceBox:       [4]int{b.FaceBox.Min.X, b.FaceBox.Min.Y, b.FaceBox.Max.X, b.FaceBox.Max.Y},
		Face:          faceName,
		Full:          fullName,
		Timestamp:     b.Timestamp,
	}
	if data, err := json.MarshalIndent(meta, "", "  "); err != nil {
		errs = append(errs, fmt.Errorf("encode metadata: %w", err))
	} else if _, err := writeAtomic(d.opts.Dir, "evidence_"+b.ID+".json", data); err != nil {
		errs = append(errs, err)
	}
	if res.FacePath != "" && res.FullPath != "" {
		d.written.Add(1)
		log.WithFields(logrus.Fields{"face": res.FacePath, "full": res.FullPath}).Info("Evidence saved locally")
	} else {
		log.WithError(errors.Join(errs...)).Error("Local evidence copy incomplete")
	}

	// 2. Ledger
	if d.ledger != nil {
		err := d.withLedger(func(ctx context.Context) error {
			return d.ledger.InsertEvidence(ctx, store.Evidence{
				ID:            b.ID,
				SessionID:     b.SessionID,
				CameraID:      d.opts.CameraID,
				Reason:        b.Reason,
				Quality:       b.QualityScore,
				FraudAttempts: b.FraudAttemptCount,
				FacePath:      res.FacePath,
				FullPath:      res.FullPath,
				UploadStatus:  d.initialStatus(),
				CapturedAt:    b.Timestamp,
			})
		})
		if err != nil {
			log.WithError(err).Error("Failed to record evidence in ledger")
			errs = append(errs, fmt.Errorf("ledger insert: %w", err))
		}
	}

	// 3. Remote upload
	if d.uploader != nil {
		var uploadErrs []error
		for _, a := range assets {
			if a.data == nil {
				uploadErrs = append(uploadErrs, fmt.Errorf("%s: nothing to upload", a.name))
				continue
			}
			url, err := d.upload(a)
			if err != nil {
				uploadErrs = append(uploadErrs, err)
				continue
			}
			a.url = url
		}
		res.FaceURL, res.FullURL = assets[0].url, assets[1].url

		uploadErr := errors.Join(uploadErrs...)
		if uploadErr == nil {
			res.Uploaded = true
			d.uploaded.Add(1)
			log.Info("Evidence uploaded")
		} else {
			errs = append(errs, uploadErr)
			log.WithError(uploadErr).Error("Evidence upload failed, local copy kept")
		}

		if d.ledger != nil {
			err := d.withLedger(func(ctx context.Context) error {
				if uploadErr != nil {
					return d.ledger.MarkUploadFailed(ctx, b.ID, uploadErr)
				}
				return d.ledger.MarkUploaded(ctx, b.ID, res.FaceURL, res.FullURL)
			})
			if err != nil {
				log.WithError(err).Warn("Failed to record upload outcome")
				errs = append(errs, fmt.Errorf("ledger update: %w", err))
			}
		}
	}

	// 4. Alert
	if d.notifier != nil {
		alert := notify.Alert{
			ID:            b.ID,
			SessionID:     b.SessionID,
			CameraID:      d.opts.CameraID,
			Reason:        b.Reason,
			QualityScore:  b.QualityScore,
			FraudAttempts: b.FraudAttemptCount,
			FaceKey:       d.key(faceName),
			FullKey:       d.key(fullName),
			FaceURL:       res.FaceURL,
			FullURL:       res.FullURL,
			Uploaded:      res.Uploaded,
			Timestamp:     b.Timestamp,
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.UploadTimeout)
		err := d.notifier.Notify(ctx, alert)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Failed to publish evidence alert")
			errs = append(errs, fmt.Errorf("notify: %w", err))
		} else {
			res.Notified = true
			if d.ledger != nil {
				at := d.now()
				if err := d.withLedger(func(ctx context.Context) error { return d.ledger.MarkNotified(ctx, b.ID, at) }); err != nil {
					log.WithError(err).Debug("Failed to stamp notification time")
				}
			}
		}
	}

	res.Err = errors.Join(errs...)
	if res.Err != nil {
		d.failed.Add(1)
	}
	return res
}

func (d *Dispatcher) initialStatus() string {
	if d.uploader == nil {
		return store.UploadLocalOnly
	}
	return store.UploadPending
}

// upload pushes one asset, retrying once on failure. Each attempt gets its own timeout.
func (d *Dispatcher) upload(a *asset) (string, error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.UploadTimeout)
		var url string
		url, err = d.uploader.Upload(ctx, a.name, bytes.NewReader(a.data), "image/jpeg")
		cancel()
		if err == nil {
			return url, nil
		}
		d.log.WithFields(logrus.Fields{"asset": a.name, "attempt": attempt}).WithError(err).Warn("Upload attempt failed")
	}
	return "", err
}

func (d *Dispatcher) key(name string) string {
	if k, ok := d.uploader.(keyer); ok {
		return k.Key(name)
	}
	return name
}

func (d *Dispatcher) withLedger(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	return fn(ctx)
}

func encode(img *image.RGBA, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data under dir/name via a temp file and rename, so readers never see a
// partial file.
func writeAtomic(dir, name string, data []byte) (string, error) {
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return final, nil
}
