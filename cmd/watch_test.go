package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/dispatch"
	"github.com/andresmejia3/sentinel-fog/internal/store"
	"github.com/andresmejia3/sentinel-fog/internal/types"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestResolveDBURL(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	tests := []struct {
		name       string
		flag       string
		configured string
		env        map[string]string
		want       string
	}{
		{"flag wins", "postgres://flag/db", "postgres://cfg/db", map[string]string{"DATABASE_URL": "postgres://env/db"}, "postgres://flag/db"},
		{"config file", "", "postgres://cfg/db", map[string]string{"POSTGRES_HOST": "h"}, "postgres://cfg/db"},
		{"DATABASE_URL", "", "", map[string]string{"DATABASE_URL": "postgres://env/db"}, "postgres://env/db"},
		{
			name: "POSTGRES_* parts",
			env: map[string]string{
				"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "sentinel",
			},
			want: "postgres://u:p@db:5432/sentinel",
		},
		{"custom port", "", "", map[string]string{"POSTGRES_HOST": "db", "POSTGRES_PORT": "6543"}, "postgres://:@db:6543/"},
		{"nothing configured", "", "", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDBURL(tt.flag, tt.configured, env(tt.env)); got != tt.want {
				t.Errorf("resolveDBURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.MinMotionArea = 1234
	cfg.MotionThreshold = 18
	cfg.CollectionWindowSeconds = 2
	cfg.PatienceTimeoutSeconds = 0.25

	m := motionOptions(cfg)
	if m.MinArea != 1234 || m.Threshold != 18 || m.History != cfg.MotionHistory {
		t.Errorf("unexpected motion options %+v", m)
	}
	if m.BlurRadius == 0 {
		t.Error("motion options lost the default blur radius")
	}

	timing := sessionTiming(cfg)
	if timing.CollectionWindow != 2*time.Second || timing.PatienceTimeout != 250*time.Millisecond {
		t.Errorf("unexpected timing %+v", timing)
	}
	if timing.Cooldown != 5*time.Second || timing.NoMotionTimeout != 3*time.Second {
		t.Errorf("unexpected default timing %+v", timing)
	}

	p := pipelineOptions(cfg, nil)
	if p.ConfidenceFloor != 0.5 || p.LivenessThreshold != 0.7 || p.LivenessFailOpen || p.Parallelism != 0 {
		t.Errorf("unexpected pipeline options %+v", p)
	}
}

func TestPrintEvidence(t *testing.T) {
	var buf bytes.Buffer
	printEvidence(&buf, nil)
	if !strings.Contains(buf.String(), "No evidence found") {
		t.Errorf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	printEvidence(&buf, []store.Evidence{{
		ID: "01HQ", CameraID: "cam", Reason: "window-complete", Quality: 99.44,
		FraudAttempts: 3, UploadStatus: store.UploadDone, CapturedAt: time.Now(),
	}})
	out := buf.String()
	for _, want := range []string{"01HQ", "window-complete", "99.4", "uploaded", "-"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintProbe(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range frame.Pix {
		frame.Pix[i] = uint8(i * 7)
	}
	face := image.Rect(10, 10, 30, 30)

	tests := []struct {
		name string
		res  detect.Result
		want []string
	}{
		{"no people", detect.Result{}, []string{"No people detected"}},
		{
			"person without face",
			detect.Result{People: []types.Detection{{Box: frame.Rect, Confidence: 0.91}}},
			[]string{"0.91", "No faces found"},
		},
		{
			"mixed verdicts",
			detect.Result{
				People: []types.Detection{{Box: frame.Rect, Confidence: 0.91}},
				Faces: []types.FaceVerdict{
					{Detection: types.Detection{Box: face}, Realness: 0.9, Live: true, Checked: true},
					{Detection: types.Detection{Box: face}, Realness: 0.2, Checked: true},
					{Detection: types.Detection{Box: face}},
				},
			},
			[]string{"REAL", "FAKE", "UNCHECKED", "1 face(s) rejected", "1 face(s) would start"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printProbe(&buf, frame, tt.res)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestNewDispatcher_LocalOnly(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.EvidenceDir = filepath.Join(t.TempDir(), "evidence")

	DB = nil
	d, closeSinks, err := newDispatcher(context.Background(), cfg, "cam1", log)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSinks()

	res := <-d.Dispatch(sampleBundle("01LOCAL")).Done
	if res.Err != nil {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"evidence_01LOCAL_FACE.jpg", "evidence_01LOCAL_FULL.jpg", "evidence_01LOCAL.json"} {
		if _, err := os.Stat(filepath.Join(cfg.EvidenceDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func sampleBundle(id string) *types.EvidenceBundle {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 90, 255})
		}
	}
	return &types.EvidenceBundle{
		ID:                id,
		SessionID:         "sess-" + id,
		FaceImage:         types.CloneImage(img.SubImage(image.Rect(8, 8, 24, 24))),
		FullImage:         img,
		FaceBox:           image.Rect(8, 8, 24, 24),
		QualityScore:      42,
		Reason:            "subject-lost-with-evidence",
		FraudAttemptCount: 2,
		Timestamp:         time.Now().UTC().Truncate(time.Millisecond),
	}
}

// TestWatchEvidencePersistence runs the dispatcher against a real ledger, the way watch wires them.
func TestWatchEvidencePersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sentinel_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	log, _ := test.NewNullLogger()
	d, err := dispatch.New(dispatch.Options{Dir: t.TempDir(), CameraID: "cam1"}, log, dispatch.WithLedger(db))
	if err != nil {
		t.Fatal(err)
	}

	b := sampleBundle("01PERSIST")
	if res := <-d.Dispatch(b).Done; res.Err != nil {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetEvidence(ctx, "01PERSIST")
	if err != nil {
		t.Fatalf("evidence not in ledger: %v", err)
	}
	if got.UploadStatus != store.UploadLocalOnly || got.CameraID != "cam1" || got.FraudAttempts != 2 {
		t.Errorf("unexpected ledger row %+v", got)
	}
	if !got.CapturedAt.Equal(b.Timestamp) {
		t.Errorf("captured_at = %v, want %v", got.CapturedAt, b.Timestamp)
	}
	if filepath.Base(got.FullPath) != "evidence_01PERSIST_FULL.jpg" {
		t.Errorf("unexpected full path %s", got.FullPath)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
