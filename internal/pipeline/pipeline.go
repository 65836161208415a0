// Package pipeline drives capture, detection, recognition, smoothing and attendance for one stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultSkipInterval       = 10
	DefaultRecognitionTimeout = 5 * time.Second
	DefaultMaxBackendFailures = 10
)

// ErrStop is returned by a Renderer when the user asks to quit.
var ErrStop = errors.New("stop requested")

// FrameSource yields frames until io.EOF.
type FrameSource interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// FaceDetector returns face boxes in frame coordinates.
type FaceDetector interface {
	Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error)
}

// Renderer shows a frame with its overlays.
type Renderer interface {
	Render(frame image.Image, overlays []types.Overlay) error
}

// Notifier is told about every identity newly written to the ledger.
type Notifier interface {
	Notify(ctx context.Context, rec ledger.Record) error
}

// Recorder is the attendance sink. *ledger.Ledger implements it.
type Recorder interface {
	Record(label string, at time.Time) (bool, error)
}

// CaptureError means the frame source failed for a reason other than end of stream.
type CaptureError struct {
	Frame int // last frame successfully read
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed after frame %d: %v", e.Frame, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

type Config struct {
	// Recognition runs on frames where index % SkipInterval == 0.
	SkipInterval int
	// Cosine distance a match must stay strictly below.
	Threshold float64
	// Upper bound for a single embedding call.
	RecognitionTimeout time.Duration
	// Consecutive embedding failures other than extraction errors (timeouts, transport errors)
	// after which Run gives up.
	MaxBackendFailures int
	// Clock stamps attendance records. Defaults to time.Now.
	Clock func() time.Time
	// OnFrame, if set, is called with every frame index as soon as the frame is read.
	OnFrame func(frame int)
}

type Deps struct {
	Source    FrameSource
	Detector  FaceDetector
	Provider  embedding.Provider
	Gallery   *gallery.Gallery
	Tracker   *tracker.Tracker
	Ledger    Recorder
	Renderer  Renderer // nil runs headless
	Notifiers []Notifier
}

// Stats summarizes a run.
type Stats struct {
	Frames        int
	ComputeFrames int
	Faces         int
	Recognitions  int
	Matches       int
	NewAttendance int
	Failures      int
}

func (s Stats) String() string {
	return fmt.Sprintf("frames=%d compute=%d faces=%d recognitions=%d matches=%d new=%d failures=%d",
		s.Frames, s.ComputeFrames, s.Faces, s.Recognitions, s.Matches, s.NewAttendance, s.Failures)
}

// Driver owns the per-frame loop.
type Driver struct {
	cfg   Config
	deps  Deps
	stats Stats

	backendFailures int // consecutive, reset by any answer from the provider
}

// New applies defaults to zero config values and checks the required collaborators.
func New(cfg Config, deps Deps) (*Driver, error) {
	if cfg.SkipInterval == 0 {
		cfg.SkipInterval = DefaultSkipInterval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = recognition.DefaultThreshold
	}
	if cfg.RecognitionTimeout == 0 {
		cfg.RecognitionTimeout = DefaultRecognitionTimeout
	}
	if cfg.MaxBackendFailures == 0 {
		cfg.MaxBackendFailures = DefaultMaxBackendFailures
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var problems []string
	if cfg.SkipInterval < 1 {
		problems = append(problems, "skip interval must be >= 1")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 2 {
		problems = append(problems, "threshold must be within (0, 2]")
	}
	if cfg.RecognitionTimeout < 0 {
		problems = append(problems, "recognition timeout must be positive")
	}
	if cfg.MaxBackendFailures < 0 {
		problems = append(problems, "max backend failures must be positive")
	}
	if deps.Source == nil {
		problems = append(problems, "frame source is required")
	}
	if deps.Detector == nil {
		problems = append(problems, "face detector is required")
	}
	if deps.Provider == nil {
		problems = append(problems, "embedding provider is required")
	}
	if deps.Gallery == nil {
		problems = append(problems, "gallery is required")
	}
	if deps.Tracker == nil {
		problems = append(problems, "tracker is required")
	}
	if deps.Ledger == nil {
		problems = append(problems, "ledger is required")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid pipeline: %s", strings.Join(problems, "; "))
	}
	if deps.Gallery.Len() == 0 {
		log.Warn("Gallery is empty, every face will be drawn as Unknown")
	}
	return &Driver{cfg: cfg, deps: deps}, nil
}

// Stats returns the counters accumulated so far.
func (d *Driver) Stats() Stats { return d.stats }

// Run processes frames until the source ends, the renderer stops, or ctx is cancelled; all three
// return a nil error. The source is closed before Run returns.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	defer func() {
		if err := d.deps.Source.Close(); err != nil {
			log.Warnf("Closing frame source: %v", err)
		}
	}()

	frame := 0
	for {
		if ctx.Err() != nil {
			return d.stats, nil
		}

		img, err := d.deps.Source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.WithField("frames", frame).Info("End of stream")
				return d.stats, nil
			}
			if ctx.Err() != nil {
				return d.stats, nil
			}
			return d.stats, &CaptureError{Frame: frame, Err: err}
		}

		frame++
		d.stats.Frames++
		if d.cfg.OnFrame != nil {
			d.cfg.OnFrame(frame)
		}

		overlays, err := d.processFrame(ctx, frame, img)
		if err != nil {
			if ctx.Err() != nil {
				return d.stats, nil
			}
			return d.stats, err
		}

		if d.deps.Renderer != nil {
			if err := d.deps.Renderer.Render(img, overlays); err != nil {
				if errors.Is(err, ErrStop) {
					log.WithField("frame", frame).Info("Stopped by user")
					return d.stats, nil
				}
				return d.stats, fmt.Errorf("render frame %d: %w", frame, err)
			}
		}
	}
}

// processFrame returns one overlay per detected face. Only unrecoverable errors are returned.
func (d *Driver) processFrame(ctx context.Context, frame int, img image.Image) ([]types.Overlay, error) {
	logger := log.WithField("frame", frame)

	boxes, err := d.deps.Detector.Detect(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.stats.Failures++
		logger.Warnf("Face detection failed: %v", err)
		boxes = nil
	}
	d.stats.Faces += len(boxes)

	compute := frame%d.cfg.SkipInterval == 0
	if compute {
		d.stats.ComputeFrames++
	}

	live := make([]string, len(boxes))
	if compute && d.deps.Gallery.Len() > 0 {
		for i, box := range boxes {
			label, err := d.recognize(ctx, logger, frame, img, box)
			if err != nil {
				return nil, err
			}
			live[i] = label
		}
	}

	for _, label := range d.deps.Tracker.Expire(frame) {
		logger.WithField("label", label).Debug("Forgot identity")
	}

	overlays := make([]types.Overlay, len(boxes))
	for i, box := range boxes {
		ov := types.Overlay{Box: box, Label: types.UnknownLabel}
		if live[i] != "" {
			ov.Label, ov.Matched = live[i], true
		} else if label, ok := d.deps.Tracker.Display(); ok {
			ov.Label, ov.Matched, ov.Smoothed = label, true, true
		}
		overlays[i] = ov
	}
	return overlays, nil
}

// recognize embeds and matches one face. It returns "" for anything short of a match.
func (d *Driver) recognize(ctx context.Context, logger *log.Entry, frame int, img image.Image, box types.BoundingBox) (string, error) {
	face := Crop(img, box)
	if face == nil {
		logger.WithField("box", box).Debug("Face box lies outside the frame")
		return "", nil
	}

	d.stats.Recognitions++
	embedCtx, cancel := context.WithTimeout(ctx, d.cfg.RecognitionTimeout)
	vec, err := d.deps.Provider.Embed(embedCtx, face)
	timedOut := errors.Is(embedCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.stats.Failures++
		if errors.Is(err, embedding.ErrUnavailable) {
			return "", fmt.Errorf("frame %d: %w", frame, err)
		}
		if embedding.IsExtraction(err) {
			d.backendFailures = 0
			logger.Debugf("No embedding for face: %v", err)
			return "", nil
		}
		d.backendFailures++
		if timedOut {
			logger.Warnf("Embedding timed out after %s", d.cfg.RecognitionTimeout)
		} else {
			logger.Warnf("Embedding failed: %v", err)
		}
		if d.backendFailures >= d.cfg.MaxBackendFailures {
			return "", fmt.Errorf("embedding backend failed %d times in a row: %w", d.backendFailures, err)
		}
		return "", nil
	}
	d.backendFailures = 0

	res, err := recognition.Match(vec, d.deps.Gallery, d.cfg.Threshold)
	if err != nil {
		return "", err
	}
	if !res.Matched {
		return "", nil
	}
	d.stats.Matches++
	d.deps.Tracker.Confirm(res.Label, frame)

	at := d.cfg.Clock()
	added, err := d.deps.Ledger.Record(res.Label, at)
	if err != nil {
		return "", fmt.Errorf("record attendance for %q: %w", res.Label, err)
	}
	if added {
		d.stats.NewAttendance++
		rec := ledger.Record{Label: res.Label, Time: at.Format(ledger.TimeLayout)}
		logger.WithFields(log.Fields{"label": rec.Label, "time": rec.Time, "distance": fmt.Sprintf("%.4f", res.Distance)}).Info("Marked attendance")
		d.notify(ctx, rec)
	}
	return res.Label, nil
}

func (d *Driver) notify(ctx context.Context, rec ledger.Record) {
	for _, n := range d.deps.Notifiers {
		if err := n.Notify(ctx, rec); err != nil {
			log.WithField("label", rec.Label).Warnf("Attendance notification failed: %v", err)
		}
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img under box, clipped to the frame, or nil if nothing is left.
// The result may share pixels with img.
func Crop(img image.Image, box types.BoundingBox) image.Image {
	r := box.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return out
}
