package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/andresmejia3/sentinel-fog/internal/detect"
	"github.com/andresmejia3/sentinel-fog/internal/scorer"
	"github.com/andresmejia3/sentinel-fog/internal/source"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/andresmejia3/sentinel-fog/internal/worker"
	"github.com/spf13/cobra"
)

var probeFlags = config.Default()

var probeCmd = &cobra.Command{
	Use:   "probe <image_path>",
	Short: "Run one still image through the presence, face and liveness pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProbe(cmd.Context(), args[0], Cfg)
	},
}

func init() {
	f := probeCmd.Flags()
	f.Float64VarP(&probeFlags.DetectionConfidenceFloor, "detection-threshold", "D", probeFlags.DetectionConfidenceFloor, "Person detection confidence floor")
	f.Float64Var(&probeFlags.LivenessThreshold, "liveness-threshold", probeFlags.LivenessThreshold, "Realness score above which a face is REAL")
	f.StringSliceVar(&probeFlags.WorkerCommand, "worker-cmd", probeFlags.WorkerCommand, "Detector worker command line")
	f.Float64Var(&probeFlags.WorkerTimeoutSeconds, "worker-timeout", probeFlags.WorkerTimeoutSeconds, "Seconds a worker may take for a single request")
	f.IntVar(&probeFlags.FrameWidth, "frame-width", probeFlags.FrameWidth, "Downscale images wider than this (0 keeps native size)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, imagePath string, cfg config.Config) error {
	f, err := os.Open(imagePath)
	if err != nil {
		utils.ShowError("Failed to open image", err, nil)
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return err
	}
	frame := source.Resize(img, cfg.FrameWidth)

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	pool, err := worker.NewPool(ctx, 1, worker.PythonLauncher(workerConfig(cfg)), Log.WithField("component", "worker"))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer pool.Close()

	pipeline := detect.NewPipeline(
		pool.Stage(worker.OpPresence, cfg.DetectionConfidenceFloor),
		pool.Stage(worker.OpFace, cfg.DetectionConfidenceFloor),
		pool.Stage(worker.OpLiveness, cfg.LivenessThreshold),
		pipelineOptions(cfg, pool),
		Log.WithField("component", "pipeline"),
	)

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	res := pipeline.Run(ctx, frame)
	printProbe(os.Stdout, frame, res)
	return nil
}

// printProbe renders the pipeline result as two tables.
func printProbe(out io.Writer, frame image.Image, res detect.Result) {
	if len(res.People) == 0 {
		fmt.Fprintln(out, "❌ No people detected in the provided image.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PERSON\tBOX\tCONFIDENCE")
	fmt.Fprintln(w, "------\t---\t----------")
	for i, p := range res.People {
		fmt.Fprintf(w, "%d\t%v\t%.2f\n", i+1, p.Box, p.Confidence)
	}
	w.Flush()

	if len(res.Faces) == 0 {
		fmt.Fprintln(out, "\n❌ No faces found inside the detected people.")
		return
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tREALNESS\tVERDICT\tSHARPNESS")
	fmt.Fprintln(w, "----\t---\t--------\t-------\t---------")
	for i, f := range res.Faces {
		verdict := "UNCHECKED"
		switch {
		case f.Live:
			verdict = "REAL"
		case f.Checked:
			verdict = "FAKE"
		}
		sharpness := "-"
		if crop, err := detect.Crop(frame, f.Box); err == nil {
			sharpness = fmt.Sprintf("%.1f", scorer.Score(crop))
		}
		fmt.Fprintf(w, "%d\t%v\t%.2f\t%s\t%s\n", i+1, f.Box, f.Realness, verdict, sharpness)
	}
	w.Flush()

	if n := res.Fraud(); n > 0 {
		fmt.Fprintf(out, "\n⚠️  %d face(s) rejected as spoof attempts.\n", n)
	}
	if n := len(res.Accepted()); n > 0 {
		fmt.Fprintf(out, "\n✅ %d face(s) would start an evidence capture.\n", n)
	}
}
