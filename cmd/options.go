package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

// Options holds the command-line overrides shared by run, enroll and identify.
// A field only replaces the config value when its flag was set explicitly.
type Options struct {
	InputPath          string
	EnrollDir          string
	LedgerPath         string
	NthFrame           int
	ForgetWindow       int
	MatchThreshold     float64
	RecognitionTimeout time.Duration
	Embedder           string
	EmbedURL           string
	WorkerScript       string
	Cascade            string
	Scale              float64
	Capture            string
	CaptureFormat      string
	NoWindow           bool
}

func addEnrollFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.EnrollDir, "enroll-dir", "e", "facerec", "Directory of reference images, one per person (file name = label)")
	cmd.Flags().StringVar(&opts.Embedder, "embedder", config.EmbedderHTTP, "Embedding backend: http or worker")
	cmd.Flags().StringVar(&opts.EmbedURL, "embed-url", "http://localhost:8000", "Embedding server URL (http backend)")
	cmd.Flags().StringVar(&opts.WorkerScript, "worker-script", "python/worker.py", "Embedding script (worker backend)")
}

func addMatchFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.MatchThreshold, "threshold", "t", 0.6, "Face matching threshold (cosine distance, lower is stricter)")
	cmd.Flags().StringVar(&opts.Cascade, "cascade", "haarcascade_frontalface_default.xml", "Haar cascade XML for face detection")
	cmd.Flags().Float64Var(&opts.Scale, "scale", 0.3, "Downscale factor applied before face detection")
}

// applyOptions copies explicitly set flags over cfg.
func applyOptions(cmd *cobra.Command, opts Options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("input") {
		cfg.Input = opts.InputPath
	}
	if f.Changed("enroll-dir") {
		cfg.EnrollDir = opts.EnrollDir
	}
	if f.Changed("ledger") {
		cfg.Ledger = opts.LedgerPath
	}
	if f.Changed("nth-frame") {
		cfg.Recognition.NthFrame = opts.NthFrame
	}
	if f.Changed("forget-window") {
		fw := opts.ForgetWindow
		cfg.Recognition.ForgetWindow = &fw
	}
	if f.Changed("threshold") {
		cfg.Recognition.Threshold = opts.MatchThreshold
	}
	if f.Changed("recognition-timeout") {
		cfg.Recognition.Timeout = opts.RecognitionTimeout
	}
	if f.Changed("embedder") {
		cfg.Embedder.Kind = opts.Embedder
	}
	if f.Changed("embed-url") {
		cfg.Embedder.URL = opts.EmbedURL
	}
	if f.Changed("worker-script") {
		cfg.Embedder.Script = opts.WorkerScript
	}
	if f.Changed("cascade") {
		cfg.Detector.Cascade = opts.Cascade
	}
	if f.Changed("scale") {
		cfg.Detector.Scale = opts.Scale
	}
	if f.Changed("capture") {
		cfg.Capture.Backend = opts.Capture
	}
	if f.Changed("capture-format") {
		cfg.Capture.Format = opts.CaptureFormat
	}
	if f.Changed("no-window") {
		cfg.Capture.Headless = opts.NoWindow
	}
}

// isDevice reports whether input names a camera index rather than a file or URL.
func isDevice(input string) bool {
	_, err := strconv.Atoi(input)
	return err == nil || strings.HasPrefix(input, "/dev/")
}

// validateInput ensures a file input exists before heavy processes start.
func validateInput(input string) error {
	if isDevice(input) || strings.Contains(input, "://") {
		return nil
	}
	info, err := os.Stat(input)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", input)
	}
	return nil
}

// newEmbedder builds the configured embedding backend. The returned func releases it.
func newEmbedder(cfg *config.Config) (embedding.Provider, func(), error) {
	switch cfg.Embedder.Kind {
	case config.EmbedderWorker:
		w, err := worker.NewPythonWorker(0, cfg.Embedder.Script)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		c := embedding.NewHTTPClient(cfg.Embedder.URL, cfg.Embedder.Model, cfg.Embedder.Timeout)
		return c, func() {}, nil
	}
}

// loadGallery enrolls every reference image, reporting skipped files on stderr.
func loadGallery(ctx context.Context, dir string, provider embedding.Provider) (*gallery.Gallery, error) {
	fmt.Fprintf(os.Stderr, "📂 Enrolling faces from %s...\n", dir)
	g, skipped, err := gallery.Load(ctx, dir, provider)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s: %v\n", s.File, s.Reason)
	}
	return g, nil
}

// workerCmd returns the subprocess for crash log dumps, if the provider is a worker.
func workerCmd(p embedding.Provider) *utils.SafeCommand {
	if w, ok := p.(*worker.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}
