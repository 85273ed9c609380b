package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfiguration is fatal and only ever returned at startup.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config is the complete fog node configuration.
type Config struct {
	// Camera
	VideoSource             string  `yaml:"video_source" validate:"required"`
	ReconnectBackoffSeconds float64 `yaml:"reconnect_backoff_seconds" validate:"gt=0"`
	FrameWidth              int     `yaml:"frame_width" validate:"gte=0"`
	StallTimeoutSeconds     float64 `yaml:"stall_timeout_seconds" validate:"gte=0"`

	// Motion gate
	MinMotionArea   int     `yaml:"min_motion_area" validate:"gt=0"`
	MotionThreshold float64 `yaml:"motion_threshold" validate:"gt=0,lt=255"`
	MotionHistory   int     `yaml:"motion_history" validate:"gte=1"`

	// Detection pipeline
	DetectionConfidenceFloor float64  `yaml:"detection_confidence_floor" validate:"gte=0,lte=1"`
	LivenessThreshold        float64  `yaml:"liveness_threshold" validate:"gte=0,lte=1"`
	LivenessFailOpen         bool     `yaml:"liveness_fail_open"`
	Engines                  int      `yaml:"engines" validate:"gte=1"`
	WorkerCommand            []string `yaml:"worker_command" validate:"min=1"`
	WorkerTimeoutSeconds     float64  `yaml:"worker_timeout_seconds" validate:"gt=0"`

	// Capture session
	CollectionWindowSeconds float64 `yaml:"collection_window_seconds" validate:"gt=0"`
	PatienceTimeoutSeconds  float64 `yaml:"patience_timeout_seconds" validate:"gt=0"`
	NoMotionTimeoutSeconds  float64 `yaml:"no_motion_timeout_seconds" validate:"gt=0"`
	CooldownSeconds         float64 `yaml:"cooldown_seconds" validate:"gte=0"`

	// Evidence dispatch
	EvidenceDir          string  `yaml:"evidence_dir" validate:"required"`
	DispatchWorkers      int     `yaml:"dispatch_workers" validate:"gte=1"`
	DispatchQueue        int     `yaml:"dispatch_queue" validate:"gte=1"`
	UploadTimeoutSeconds float64 `yaml:"upload_timeout_seconds" validate:"gt=0"`

	S3       S3Config       `yaml:"s3"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// S3Config enables remote evidence upload when Bucket is set.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region" validate:"required_with=Bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// MQTTConfig enables alert publishing over MQTT when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic" validate:"required_with=Broker"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos" validate:"lte=2"`
}

// RedisConfig enables alert publishing over Redis pub/sub when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Channel  string `yaml:"channel" validate:"required_with=Addr"`
}

// DatabaseConfig points at the evidence ledger. Empty URL runs the node without a ledger.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	File  string `yaml:"file"`
}

// Default returns the field-tested node defaults.
func Default() Config {
	return Config{
		ReconnectBackoffSeconds: 2,
		FrameWidth:              640,
		StallTimeoutSeconds:     10,

		MinMotionArea:   4000,
		MotionThreshold: 25,
		MotionHistory:   500,

		DetectionConfidenceFloor: 0.50,
		LivenessThreshold:        0.70,
		Engines:                  1,
		WorkerCommand:            []string{"python3", "-u", "python/worker.py"},
		WorkerTimeoutSeconds:     5,

		CollectionWindowSeconds: 1.5,
		PatienceTimeoutSeconds:  0.5,
		NoMotionTimeoutSeconds:  3,
		CooldownSeconds:         5,

		EvidenceDir:          "./evidence",
		DispatchWorkers:      2,
		DispatchQueue:        8,
		UploadTimeoutSeconds: 15,

		MQTT:  MQTTConfig{Topic: "sentinel/alerts", ClientID: "sentinel-fog"},
		Redis: RedisConfig{Channel: "sentinel:alerts"},
		Log:   LogConfig{Level: "info", File: "./storage/logs/sentinel-fog.log"},
	}
}

// Load builds the configuration: defaults, then the YAML file (if any), then .env and the
// process environment. Flags are overlaid by the caller with ApplyFlags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfiguration, err)
		}
	}

	// A missing .env is normal on a provisioned node
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(&cfg)

	return cfg, nil
}

// applyEnv overrides fields from well-known environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("SENTINEL_VIDEO_SOURCE", &cfg.VideoSource)
	setString("SENTINEL_EVIDENCE_DIR", &cfg.EvidenceDir)
	setString("SENTINEL_LOG_LEVEL", &cfg.Log.Level)
	setString("AWS_BUCKET_NAME", &cfg.S3.Bucket)
	setString("AWS_REGION", &cfg.S3.Region)
	setString("MQTT_BROKER", &cfg.MQTT.Broker)
	setString("REDIS_ADDRESS", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
}

// BindFlags registers the command-line overrides on fs, bound to cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.VideoSource, "source", "i", cfg.VideoSource, "Stream locator (RTSP/HTTP URL or device)")
	fs.Float64Var(&cfg.ReconnectBackoffSeconds, "reconnect-backoff", cfg.ReconnectBackoffSeconds, "Seconds to wait before reopening a lost stream")
	fs.Float64Var(&cfg.StallTimeoutSeconds, "stall-timeout", cfg.StallTimeoutSeconds, "Seconds without stream data before the stream is reopened (0 disables)")
	fs.IntVar(&cfg.FrameWidth, "frame-width", cfg.FrameWidth, "Downscale frames wider than this (0 keeps native size)")
	fs.IntVar(&cfg.MinMotionArea, "min-motion-area", cfg.MinMotionArea, "Minimum moving region area in pixels")
	fs.Float64Var(&cfg.MotionThreshold, "motion-threshold", cfg.MotionThreshold, "Per-pixel background difference threshold (0-255)")
	fs.IntVar(&cfg.MotionHistory, "motion-history", cfg.MotionHistory, "Background model history length in frames")
	fs.Float64VarP(&cfg.DetectionConfidenceFloor, "detection-threshold", "D", cfg.DetectionConfidenceFloor, "Person detection confidence floor")
	fs.Float64Var(&cfg.LivenessThreshold, "liveness-threshold", cfg.LivenessThreshold, "Realness score above which a face is REAL")
	fs.BoolVar(&cfg.LivenessFailOpen, "liveness-fail-open", cfg.LivenessFailOpen, "Accept faces when the liveness model is unavailable")
	fs.IntVarP(&cfg.Engines, "engines", "e", cfg.Engines, "Number of parallel detector engine workers")
	fs.StringSliceVar(&cfg.WorkerCommand, "worker-cmd", cfg.WorkerCommand, "Detector worker command line")
	fs.Float64Var(&cfg.WorkerTimeoutSeconds, "worker-timeout", cfg.WorkerTimeoutSeconds, "Seconds a worker may take for a single request")
	fs.Float64Var(&cfg.CollectionWindowSeconds, "collection-window", cfg.CollectionWindowSeconds, "Maximum seconds spent collecting the best shot")
	fs.Float64VarP(&cfg.PatienceTimeoutSeconds, "patience", "g", cfg.PatienceTimeoutSeconds, "Seconds without an accepted face before the subject is considered lost")
	fs.Float64Var(&cfg.NoMotionTimeoutSeconds, "no-motion-timeout", cfg.NoMotionTimeoutSeconds, "Seconds without motion before an active capture is abandoned")
	fs.Float64Var(&cfg.CooldownSeconds, "cooldown", cfg.CooldownSeconds, "Quiet period after evidence is captured")
	fs.StringVarP(&cfg.EvidenceDir, "evidence-dir", "o", cfg.EvidenceDir, "Directory for the local durable evidence copy")
	fs.IntVar(&cfg.DispatchWorkers, "dispatch-workers", cfg.DispatchWorkers, "Number of evidence dispatch workers")
	fs.IntVar(&cfg.DispatchQueue, "dispatch-queue", cfg.DispatchQueue, "Evidence dispatch queue capacity")
	fs.Float64Var(&cfg.UploadTimeoutSeconds, "upload-timeout", cfg.UploadTimeoutSeconds, "Seconds allowed for a single remote upload attempt")
	fs.StringVar(&cfg.S3.Bucket, "bucket", cfg.S3.Bucket, "S3 bucket for evidence uploads (empty disables upload)")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker host:port for alerts (empty disables)")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address for alerts (empty disables)")
}

// ApplyFlags copies every flag the user explicitly set in changed onto cfg.
func ApplyFlags(changed *pflag.FlagSet, cfg *Config) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	BindFlags(target, cfg)

	var firstErr error
	changed.Visit(func(f *pflag.Flag) {
		if target.Lookup(f.Name) == nil || firstErr != nil {
			return
		}
		value := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := target.Lookup(f.Name).Value.(pflag.SliceValue).Replace(sv.GetSlice()); err != nil {
				firstErr = err
			}
			return
		}
		if err := target.Set(f.Name, value); err != nil {
			firstErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return firstErr
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules. Every failure wraps ErrInvalidConfiguration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed '%s' (value: %v)", ErrInvalidConfiguration, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if cfg.PatienceTimeoutSeconds > cfg.CollectionWindowSeconds {
		return fmt.Errorf("%w: patience timeout (%.2fs) must not exceed collection window (%.2fs)",
			ErrInvalidConfiguration, cfg.PatienceTimeoutSeconds, cfg.CollectionWindowSeconds)
	}
	return nil
}

// Seconds converts a float seconds option to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c Config) CollectionWindow() time.Duration { return Seconds(c.CollectionWindowSeconds) }
func (c Config) PatienceTimeout() time.Duration  { return Seconds(c.PatienceTimeoutSeconds) }
func (c Config) NoMotionTimeout() time.Duration  { return Seconds(c.NoMotionTimeoutSeconds) }
func (c Config) Cooldown() time.Duration         { return Seconds(c.CooldownSeconds) }
func (c Config) ReconnectBackoff() time.Duration { return Seconds(c.ReconnectBackoffSeconds) }
func (c Config) WorkerTimeout() time.Duration    { return Seconds(c.WorkerTimeoutSeconds) }
func (c Config) StallTimeout() time.Duration     { return Seconds(c.StallTimeoutSeconds) }
func (c Config) UploadTimeout() time.Duration    { return Seconds(c.UploadTimeoutSeconds) }
