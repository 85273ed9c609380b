package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/andresmejia3/sentinel-fog/internal/controller"
	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/dispatch"
	"github.com/andresmejia3/sentinel-fog/internal/motion"
	"github.com/andresmejia3/sentinel-fog/internal/notify"
	"github.com/andresmejia3/sentinel-fog/internal/session"
	"github.com/andresmejia3/sentinel-fog/internal/source"
	"github.com/andresmejia3/sentinel-fog/internal/upload"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/andresmejia3/sentinel-fog/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long pending evidence may take to flush on exit.
const shutdownTimeout = 30 * time.Second

var (
	watchFlags    = config.Default()
	watchNoStatus bool
)

var watchCmd = &cobra.Command{
	Use:         "watch",
	Short:       "Watch a camera stream and capture liveness-verified evidence",
	Annotations: map[string]string{ledgerAnnotation: ledgerOptional},
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.Validate(&Cfg); err != nil {
			utils.Die("Invalid configuration", err, nil)
		}
		if err := runWatch(cmd.Context(), Cfg, Log); err != nil {
			utils.Die("Watch stopped", err, nil)
		}
	},
}

func init() {
	config.BindFlags(watchCmd.Flags(), &watchFlags)
	watchCmd.Flags().BoolVar(&watchNoStatus, "no-status", false, "Disable the live status line")
	rootCmd.AddCommand(watchCmd)
}

// runWatch wires the node together and blocks until ctx is cancelled.
func runWatch(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	cameraID := utils.CameraID(cfg.VideoSource)
	nodeLog := log.WithField("camera", cameraID)
	fmt.Fprintf(os.Stderr, "📹 Watching camera %s\n", cameraID)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Engines...\n", cfg.Engines)

	// 1. Detector engines. Failing to start them degrades the pipeline instead of stopping the node.
	var presence, face, liveness detect.Detector
	pool, err := worker.NewPool(ctx, cfg.Engines, worker.PythonLauncher(workerConfig(cfg)), nodeLog.WithField("component", "worker"))
	if err != nil {
		nodeLog.WithError(err).Error("Detector engines failed to start")
	} else {
		defer pool.Close()
		presence = pool.Stage(worker.OpPresence, cfg.DetectionConfidenceFloor)
		face = pool.Stage(worker.OpFace, cfg.DetectionConfidenceFloor)
		liveness = pool.Stage(worker.OpLiveness, cfg.LivenessThreshold)
	}
	pipeline := detect.NewPipeline(presence, face, liveness, pipelineOptions(cfg, pool), nodeLog.WithField("component", "pipeline"))

	// 2. Evidence side effects
	dispatcher, closeSinks, err := newDispatcher(ctx, cfg, cameraID, nodeLog.WithField("component", "dispatch"))
	if err != nil {
		return err
	}
	defer closeSinks()

	// 3. Frame source
	src := source.NewReconnecting(func(ctx context.Context) (source.Source, error) {
		f, err := source.OpenFFmpeg(ctx, cfg.VideoSource, cfg.FrameWidth, cfg.StallTimeout())
		if err != nil {
			return nil, err
		}
		return f, nil
	}, cfg.ReconnectBackoff(), nodeLog.WithField("component", "source"))
	defer src.Close()

	timing := sessionTiming(cfg)
	var opts []controller.Option
	if !watchNoStatus {
		opts = append(opts, controller.WithReporter(controller.NewBarReporter(os.Stderr, timing)))
	}
	ctrl := controller.New(src, motion.New(motionOptions(cfg)), pipeline, dispatcher, timing, nodeLog, opts...)

	runErr := ctrl.Run(ctx)

	// Flush evidence even though ctx is already cancelled
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(flushCtx); err != nil {
		nodeLog.WithError(err).Error("Evidence dispatch did not drain")
	}

	stats := ctrl.Stats()
	ds := dispatcher.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped. %d frames, %d analysed, %d sessions, %d evidence (%d uploaded, %d failed), %d spoof attempts, %d stream outages.\n",
		stats.Frames, stats.Analyzed, stats.Sessions, ds.Dispatched, ds.Uploaded, ds.Failed, stats.Fraud, src.Outages())
	return runErr
}

// newDispatcher builds the dispatcher with whatever sinks are configured. The returned
// function closes the notifiers.
func newDispatcher(ctx context.Context, cfg config.Config, cameraID string, log logrus.FieldLogger) (*dispatch.Dispatcher, func(), error) {
	var opts []dispatch.Option
	if DB != nil {
		opts = append(opts, dispatch.WithLedger(DB))
	}

	if cfg.S3.Bucket != "" {
		up, err := upload.NewS3(cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalidConfiguration, err)
		}
		opts = append(opts, dispatch.WithUploader(up))
		log.WithField("bucket", cfg.S3.Bucket).Info("Remote evidence upload enabled")
	} else {
		log.Info("No bucket configured, evidence stays local")
	}

	var sinks notify.Multi
	if cfg.MQTT.Broker != "" {
		m, err := notify.NewMQTT(cfg.MQTT, log.WithField("sink", "mqtt"))
		if err != nil {
			log.WithError(err).Warn("MQTT alerts disabled")
		} else {
			sinks = append(sinks, m)
		}
	}
	if cfg.Redis.Addr != "" {
		r, err := notify.NewRedis(ctx, cfg.Redis, log.WithField("sink", "redis"))
		if err != nil {
			log.WithError(err).Warn("Redis alerts disabled")
		} else {
			sinks = append(sinks, r)
		}
	}
	if len(sinks) > 0 {
		opts = append(opts, dispatch.WithNotifier(sinks))
	}

	d, err := dispatch.New(dispatch.Options{
		Dir:           cfg.EvidenceDir,
		Workers:       cfg.DispatchWorkers,
		Queue:         cfg.DispatchQueue,
		UploadTimeout: cfg.UploadTimeout(),
		CameraID:      cameraID,
	}, log, opts...)
	if err != nil {
		sinks.Close()
		return nil, nil, err
	}
	return d, func() {
		if err := sinks.Close(); err != nil {
			log.WithError(err).Debug("Notifier close failed")
		}
	}, nil
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{Command: cfg.WorkerCommand, Timeout: cfg.WorkerTimeout()}
}

func pipelineOptions(cfg config.Config, pool *worker.Pool) detect.Options {
	opts := detect.Options{
		ConfidenceFloor:   cfg.DetectionConfidenceFloor,
		LivenessThreshold: cfg.LivenessThreshold,
		LivenessFailOpen:  cfg.LivenessFailOpen,
	}
	if pool != nil {
		opts.Parallelism = pool.Size()
	}
	return opts
}

func motionOptions(cfg config.Config) motion.Options {
	opts := motion.DefaultOptions()
	opts.MinArea = cfg.MinMotionArea
	opts.Threshold = cfg.MotionThreshold
	opts.History = cfg.MotionHistory
	return opts
}

func sessionTiming(cfg config.Config) session.Timing {
	return session.Timing{
		CollectionWindow: cfg.CollectionWindow(),
		PatienceTimeout:  cfg.PatienceTimeout(),
		NoMotionTimeout:  cfg.NoMotionTimeout(),
		Cooldown:         cfg.Cooldown(),
	}
}
