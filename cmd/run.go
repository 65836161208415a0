package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/vision"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recognize enrolled faces in a video stream and mark attendance",
	Long: `Reads frames from a camera, file or stream URL, recognizes enrolled faces every
nth frame and appends the first sighting of each person to the attendance ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyOptions(cmd, runOpts, Cfg)
		return runAttendance(cmd.Context(), Cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "0", "Camera index, video file or stream URL")
	runCmd.Flags().StringVarP(&runOpts.LedgerPath, "ledger", "l", "Attendance.csv", "Attendance CSV file (appended, never rewritten)")
	runCmd.Flags().IntVarP(&runOpts.NthFrame, "nth-frame", "n", 10, "Run recognition on every nth frame")
	runCmd.Flags().IntVarP(&runOpts.ForgetWindow, "forget-window", "f", tracker.DefaultForgetWindow, "Frames a confirmed face keeps its label without being seen again (0 disables smoothing)")
	runCmd.Flags().DurationVar(&runOpts.RecognitionTimeout, "recognition-timeout", pipeline.DefaultRecognitionTimeout, "Upper bound for one embedding call")
	runCmd.Flags().StringVar(&runOpts.Capture, "capture", config.CaptureOpenCV, "Capture backend: opencv or ffmpeg")
	runCmd.Flags().StringVar(&runOpts.CaptureFormat, "capture-format", "", "ffmpeg input format for devices (e.g. v4l2, avfoundation)")
	runCmd.Flags().BoolVar(&runOpts.NoWindow, "no-window", false, "Run headless without the preview window")
	addEnrollFlags(runCmd, &runOpts)
	addMatchFlags(runCmd, &runOpts)
	rootCmd.AddCommand(runCmd)
}

// runAttendance wires enrollment, capture, detection, notifiers and the ledger into one pipeline run.
func runAttendance(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := validateInput(cfg.Input); err != nil {
		utils.ShowError("Invalid input", err, nil)
		return err
	}

	// 1. Embedding backend and gallery
	provider, release, err := newEmbedder(cfg)
	if err != nil {
		utils.ShowError("Failed to start embedding backend", err, nil)
		return err
	}
	defer release()

	// Returning instead of exiting lets the deferred release and PersistentPostRun clean up.
	g, err := loadGallery(ctx, cfg.EnrollDir, provider)
	if err != nil {
		utils.ShowError("Enrollment failed", err, workerCmd(provider))
		return err
	}
	fmt.Fprintf(os.Stderr, "👥 Enrolled %d identities: %s\n", g.Len(), strings.Join(g.Labels(), ", "))

	// 2. Ledger
	book, err := ledger.Open(cfg.Ledger)
	if err != nil {
		utils.ShowError("Failed to open attendance ledger", err, nil)
		return err
	}
	defer book.Close()
	if n := book.Len(); n > 0 {
		fmt.Fprintf(os.Stderr, "📒 %s already lists %d people\n", cfg.Ledger, n)
	}

	// 3. Notifiers
	sessionID := uuid.NewString()
	notifiers, closeNotifiers := startNotifiers(ctx, cfg, sessionID)
	defer closeNotifiers()

	// 4. Frame source, detector and preview
	source, err := openSource(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to open video input", err, nil)
		return err
	}

	detector, err := vision.NewCascadeDetector(cfg.Detector.Cascade, cfg.Detector.Scale, cfg.Detector.MinFaceSize)
	if err != nil {
		source.Close()
		utils.ShowError("Failed to load face detector", err, nil)
		return err
	}
	defer detector.Close()

	var renderer pipeline.Renderer
	if !cfg.Capture.Headless {
		win := vision.NewWindow("rollcall")
		defer win.Close()
		renderer = win
	}

	pcfg := pipeline.Config{
		SkipInterval:       cfg.Recognition.NthFrame,
		Threshold:          cfg.Recognition.Threshold,
		RecognitionTimeout: cfg.Recognition.Timeout,
	}
	if bar := newProgressBar(ctx, cfg.Input, source); bar != nil {
		pcfg.OnFrame = func(int) { bar.Add(1) }
		defer bar.Finish()
	}

	driver, err := pipeline.New(pcfg, pipeline.Deps{
		Source:    source,
		Detector:  detector,
		Provider:  provider,
		Gallery:   g,
		Tracker:   tracker.New(cfg.Recognition.Forget(tracker.DefaultForgetWindow)),
		Ledger:    book,
		Renderer:  renderer,
		Notifiers: notifiers,
	})
	if err != nil {
		source.Close()
		return err
	}

	fmt.Fprintf(os.Stderr, "📼 Source ID: %s\n", utils.GenerateSourceID(cfg.Input)[:12])
	log.WithFields(log.Fields{"session": sessionID, "input": cfg.Input}).Info("Attendance session started")
	stats, err := driver.Run(ctx)
	fmt.Fprintf(os.Stderr, "\n📊 %s\n", stats)

	var capErr *pipeline.CaptureError
	switch {
	case errors.As(err, &capErr):
		// Attendance recorded so far is already durable; a dropped camera is not a failed run.
		utils.ShowError("Video input stopped", err, nil)
	case err != nil:
		utils.ShowError("Attendance run failed", err, workerCmd(provider))
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ %d new attendance records written to %s\n", stats.NewAttendance, cfg.Ledger)
	return nil
}

// openSource picks the capture backend. ffmpeg inputs that name a device get the configured -f format.
func openSource(ctx context.Context, cfg *config.Config) (pipeline.FrameSource, error) {
	if cfg.Capture.Backend == config.CaptureFFmpeg {
		var extra []string
		if cfg.Capture.Format != "" {
			extra = append(extra, "-f", cfg.Capture.Format)
		}
		f, err := capture.OpenFFmpeg(ctx, cfg.Input, extra...)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	cam, err := vision.OpenCamera(cfg.Input)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

// startNotifiers attaches the optional database mirror and MQTT publisher to the session.
// Either one failing to start is logged and skipped; the ledger stays authoritative.
func startNotifiers(ctx context.Context, cfg *config.Config, sessionID string) ([]pipeline.Notifier, func()) {
	var (
		notifiers []pipeline.Notifier
		closers   []func()
	)

	if DB != nil {
		sess, err := DB.StartSession(ctx, sessionID, cfg.Input)
		if err != nil {
			log.WithError(err).Warn("Database mirror disabled for this run")
		} else {
			notifiers = append(notifiers, sess)
		}
	}

	if cfg.MQTT.Enabled {
		pub := notify.NewMQTTPublisher(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
		}, sessionID)
		if err := pub.Connect(ctx); err != nil {
			log.WithError(err).WithField("broker", cfg.MQTT.Broker).Warn("MQTT notifications disabled for this run")
		} else {
			notifiers = append(notifiers, pub)
			closers = append(closers, pub.Close)
		}
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}
}

// newProgressBar returns nil for live devices and streams, which have no end to measure against.
func newProgressBar(ctx context.Context, input string, source pipeline.FrameSource) *progressbar.ProgressBar {
	if isDevice(input) || strings.Contains(input, "://") {
		return nil
	}
	total := utils.GetTotalFrames(ctx, input)
	if cam, ok := source.(*vision.Camera); ok && total <= 0 {
		total = cam.FrameCount()
	}
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎥 Taking attendance"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
}
