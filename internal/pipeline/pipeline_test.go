package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSource struct {
	frames int
	read   int
	err    error // returned instead of io.EOF once frames run out
	closed bool
}

func (s *fakeSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.read >= s.frames {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	s.read++
	return image.NewRGBA(image.Rect(0, 0, 100, 100)), nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeDetector struct {
	boxes []types.BoundingBox
	err   error
}

func (d *fakeDetector) Detect(context.Context, image.Image) ([]types.BoundingBox, error) {
	return d.boxes, d.err
}

// scriptedProvider returns its responses in order, then repeats the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []response
	calls     int
	sizes     []image.Rectangle
}

type response struct {
	vec   []float64
	err   error
	block bool // wait for the context to expire
}

func (p *scriptedProvider) Embed(ctx context.Context, face image.Image) ([]float64, error) {
	p.mu.Lock()
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	r := p.responses[i]
	p.calls++
	p.sizes = append(p.sizes, face.Bounds())
	p.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.vec, r.err
}

type recordingRenderer struct {
	frames [][]types.Overlay
	stopAt int
	err    error
}

func (r *recordingRenderer) Render(_ image.Image, overlays []types.Overlay) error {
	r.frames = append(r.frames, overlays)
	if r.stopAt > 0 && len(r.frames) == r.stopAt {
		return ErrStop
	}
	return r.err
}

type recordingNotifier struct {
	got []ledger.Record
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, rec ledger.Record) error {
	n.got = append(n.got, rec)
	return n.err
}

type failingRecorder struct{}

func (failingRecorder) Record(string, time.Time) (bool, error) {
	return false, errors.New("disk full")
}

var (
	bobVec      = []float64{1, 0, 0}
	aliceVec    = []float64{0, 1, 0}
	strangerVec = []float64{0, 0, 1}
	faceBox     = types.BoundingBox{X: 10, Y: 10, Width: 40, Height: 40}
)

func testGallery(t *testing.T) *gallery.Gallery {
	t.Helper()
	g, err := gallery.New(
		gallery.Identity{Label: "bob", Embedding: bobVec},
		gallery.Identity{Label: "alice", Embedding: aliceVec},
	)
	require.NoError(t, err)
	return g
}

func openLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Attendance.csv")
	l, err := ledger.Open(path, ledger.WithoutSync())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)
}

type harness struct {
	src      *fakeSource
	det      *fakeDetector
	prov     *scriptedProvider
	rend     *recordingRenderer
	notifier *recordingNotifier
	ledger   *ledger.Ledger
	path     string
	tracker  *tracker.Tracker
}

func newHarness(t *testing.T, frames int, responses ...response) *harness {
	l, path := openLedger(t)
	return &harness{
		src:      &fakeSource{frames: frames},
		det:      &fakeDetector{boxes: []types.BoundingBox{faceBox}},
		prov:     &scriptedProvider{responses: responses},
		rend:     &recordingRenderer{},
		notifier: &recordingNotifier{},
		ledger:   l,
		path:     path,
		tracker:  tracker.New(tracker.DefaultForgetWindow),
	}
}

func (h *harness) driver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock
	}
	d, err := New(cfg, Deps{
		Source:    h.src,
		Detector:  h.det,
		Provider:  h.prov,
		Gallery:   testGallery(t),
		Tracker:   h.tracker,
		Ledger:    h.ledger,
		Renderer:  h.rend,
		Notifiers: []Notifier{h.notifier},
	})
	require.NoError(t, err)
	return d
}

// --- tests ---

func TestRun_SkipInterval(t *testing.T) {
	h := newHarness(t, 25, response{vec: strangerVec})
	var seen []int
	stats, err := h.driver(t, Config{OnFrame: func(f int) { seen = append(seen, f) }}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 25, stats.Frames)
	assert.Equal(t, 2, stats.ComputeFrames)
	assert.Equal(t, 2, stats.Recognitions)
	assert.Equal(t, 2, h.prov.calls)
	assert.Equal(t, 25, stats.Faces)
	assert.Len(t, seen, 25)
	assert.Equal(t, 1, seen[0])
	assert.True(t, h.src.closed)
}

func TestRun_SmoothingAndForgetWindow(t *testing.T) {
	// frame 10 matches bob, frames 20 and 30 see a stranger
	h := newHarness(t, 30, response{vec: bobVec}, response{vec: strangerVec})
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.rend.frames, 30)

	for f := 1; f <= 30; f++ {
		ov := h.rend.frames[f-1]
		require.Len(t, ov, 1, "frame %d", f)
		switch {
		case f < 10:
			assert.Equal(t, types.UnknownLabel, ov[0].Label, "frame %d", f)
			assert.False(t, ov[0].Matched)
		case f == 10:
			assert.Equal(t, types.Overlay{Box: faceBox, Label: "bob", Matched: true}, ov[0])
		case f <= 25:
			assert.Equal(t, "bob", ov[0].Label, "frame %d", f)
			assert.True(t, ov[0].Smoothed, "frame %d", f)
		default:
			assert.Equal(t, types.UnknownLabel, ov[0].Label, "frame %d", f)
		}
	}
	assert.Equal(t, 1, stats.Matches)
	assert.Equal(t, 0, h.tracker.Len())
}

func TestRun_RecordsAttendanceOnce(t *testing.T) {
	h := newHarness(t, 40, response{vec: bobVec})
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Matches)
	assert.Equal(t, 1, stats.NewAttendance)
	assert.Equal(t, []ledger.Record{{Label: "bob", Time: "09:30:00"}}, h.notifier.got)

	b, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, "bob,09:30:00\n", string(b))
}

func TestRun_NotifierFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 10, response{vec: aliceVec})
	h.notifier.err = errors.New("broker down")
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewAttendance)
	assert.True(t, h.ledger.Has("alice"))
}

func TestRun_RendererStop(t *testing.T) {
	h := newHarness(t, 100, response{vec: strangerVec})
	h.rend.stopAt = 3
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Frames)
}

func TestRun_RendererError(t *testing.T) {
	h := newHarness(t, 5, response{vec: strangerVec})
	h.rend.err = errors.New("window gone")
	_, err := h.driver(t, Config{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window gone")
}

func TestRun_CaptureError(t *testing.T) {
	h := newHarness(t, 4, response{vec: strangerVec})
	camErr := errors.New("camera unplugged")
	h.src.err = camErr
	stats, err := h.driver(t, Config{}).Run(context.Background())

	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4, ce.Frame)
	assert.ErrorIs(t, err, camErr)
	assert.Equal(t, 4, stats.Frames)
	assert.True(t, h.src.closed)
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, 1000, response{vec: strangerVec})
	ctx, cancel := context.WithCancel(context.Background())
	d := h.driver(t, Config{OnFrame: func(f int) {
		if f == 7 {
			cancel()
		}
	}})
	stats, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Frames)
}

func TestRun_RecoverableFailures(t *testing.T) {
	tests := []struct {
		name string
		resp response
	}{
		{"extraction error", response{err: &embedding.ExtractionError{Reason: "no face"}}},
		{"backend error", response{err: errors.New("503 service unavailable")}},
		{"timeout", response{block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 20, tt.resp)
			stats, err := h.driver(t, Config{RecognitionTimeout: 20 * time.Millisecond}).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Failures)
			assert.Equal(t, 0, stats.Matches)
			assert.Equal(t, types.UnknownLabel, h.rend.frames[9][0].Label)
			assert.Equal(t, 0, h.ledger.Len())
		})
	}
}

// stalledPipe is a worker data pipe that never answers until closed.
type stalledPipe struct {
	once   sync.Once
	closed chan struct{}
}

func (p *stalledPipe) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *stalledPipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardWriter) Close() error                { return nil }

func TestRun_DeadWorkerAborts(t *testing.T) {
	h := newHarness(t, 50)
	// A worker without a script cannot restart, so the first timeout leaves it closed.
	w := &worker.PythonWorker{
		ID:       1,
		Stdin:    discardWriter{},
		DataPipe: &stalledPipe{closed: make(chan struct{})},
	}
	d, err := New(Config{RecognitionTimeout: 20 * time.Millisecond, Clock: fixedClock}, Deps{
		Source:   h.src,
		Detector: h.det,
		Provider: w,
		Gallery:  testGallery(t),
		Tracker:  h.tracker,
		Ledger:   h.ledger,
	})
	require.NoError(t, err)

	stats, err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrWorkerClosed)
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
	assert.Equal(t, 20, stats.Frames, "the run stops at the first compute frame after the timeout")
	assert.Equal(t, 2, stats.Failures)
	assert.True(t, h.src.closed)
}

func TestRun_RepeatedBackendFailuresAbort(t *testing.T) {
	refused := response{err: errors.New("dial tcp 127.0.0.1:8000: connection refused")}
	h := newHarness(t, 50, refused, refused, response{vec: bobVec}, refused)
	stats, err := h.driver(t, Config{SkipInterval: 1, MaxBackendFailures: 3}).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 times in a row")
	assert.Contains(t, err.Error(), "connection refused")
	// Frames 1-2 fail, 3 matches and resets the count, 4-6 fail.
	assert.Equal(t, 6, stats.Frames)
	assert.Equal(t, 5, stats.Failures)
	assert.Equal(t, 1, stats.NewAttendance)
}

func TestRun_ExtractionFailuresNeverAbort(t *testing.T) {
	h := newHarness(t, 20, response{err: &embedding.ExtractionError{Reason: "no face"}})
	stats, err := h.driver(t, Config{SkipInterval: 1, MaxBackendFailures: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Failures)
}

func TestRun_DetectorErrorDegrades(t *testing.T) {
	h := newHarness(t, 10, response{vec: bobVec})
	h.det.err = errors.New("model not loaded")
	h.det.boxes = nil
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Failures)
	assert.Equal(t, 0, h.prov.calls)
	for _, ov := range h.rend.frames {
		assert.Empty(t, ov)
	}
}

func TestRun_InvalidEmbeddingAborts(t *testing.T) {
	h := newHarness(t, 30, response{vec: []float64{1, 2}})
	stats, err := h.driver(t, Config{}).Run(context.Background())
	var ie *recognition.InvalidEmbeddingError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Want)
	assert.Equal(t, 10, stats.Frames)
}

func TestRun_LedgerFailureAborts(t *testing.T) {
	h := newHarness(t, 30, response{vec: bobVec})
	d, err := New(Config{}, Deps{
		Source:   h.src,
		Detector: h.det,
		Provider: h.prov,
		Gallery:  testGallery(t),
		Tracker:  h.tracker,
		Ledger:   failingRecorder{},
	})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_BoxOutsideFrame(t *testing.T) {
	h := newHarness(t, 10, response{vec: bobVec})
	h.det.boxes = []types.BoundingBox{
		{X: 200, Y: 200, Width: 20, Height: 20}, // fully outside
		{X: 80, Y: 80, Width: 50, Height: 50},   // clipped to 20x20
	}
	stats, err := h.driver(t, Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.prov.calls)
	require.Len(t, h.prov.sizes, 1)
	assert.Equal(t, image.Rect(80, 80, 100, 100), h.prov.sizes[0])

	last := h.rend.frames[9]
	require.Len(t, last, 2)
	// The outside box was not recognized but bob is now tracked, so it is smoothed.
	assert.Equal(t, "bob", last[0].Label)
	assert.True(t, last[0].Smoothed)
	assert.False(t, last[1].Smoothed)
	assert.Equal(t, 1, stats.Recognitions)
}

func TestRun_Headless(t *testing.T) {
	h := newHarness(t, 10, response{vec: bobVec})
	d, err := New(Config{Clock: fixedClock}, Deps{
		Source:   h.src,
		Detector: h.det,
		Provider: h.prov,
		Gallery:  testGallery(t),
		Tracker:  h.tracker,
		Ledger:   h.ledger,
	})
	require.NoError(t, err)
	stats, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewAttendance)
	assert.Equal(t, stats, d.Stats())
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, 1, response{vec: bobVec})
	full := Deps{Source: h.src, Detector: h.det, Provider: h.prov, Gallery: testGallery(t), Tracker: h.tracker, Ledger: h.ledger}

	_, err := New(Config{}, full)
	require.NoError(t, err)

	_, err = New(Config{SkipInterval: -1}, full)
	assert.Error(t, err)
	_, err = New(Config{Threshold: 2.5}, full)
	assert.Error(t, err)
	_, err = New(Config{MaxBackendFailures: -1}, full)
	assert.Error(t, err)

	missing := full
	missing.Provider = nil
	_, err = New(Config{}, missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding provider")
}

type plainImage struct{ image.Image }

func TestCrop(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	src.Set(5, 5, color.RGBA{255, 0, 0, 255})

	c := Crop(src, types.BoundingBox{X: 4, Y: 4, Width: 3, Height: 3})
	require.NotNil(t, c)
	assert.Equal(t, image.Rect(4, 4, 7, 7), c.Bounds())

	// Images without SubImage are copied into a zero-origin RGBA.
	c = Crop(plainImage{src}, types.BoundingBox{X: 4, Y: 4, Width: 3, Height: 3})
	require.NotNil(t, c)
	assert.Equal(t, image.Rect(0, 0, 3, 3), c.Bounds())
	r, _, _, _ := c.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	assert.Nil(t, Crop(src, types.BoundingBox{X: 20, Y: 20, Width: 5, Height: 5}))
	assert.Nil(t, Crop(src, types.BoundingBox{X: 1, Y: 1, Width: 0, Height: 5}))
}
