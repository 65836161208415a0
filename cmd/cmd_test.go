package cmd

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	// Go 1.21-compatible equivalent of t.Chdir(t.TempDir()).
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("ROLLCALL_THRESHOLD", "")
	t.Setenv("ROLLCALL_ENROLL_DIR", "")
	t.Setenv("ROLLCALL_FORGET_WINDOW", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestCommand(opts *Options) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	c.Flags().StringVarP(&opts.InputPath, "input", "i", "0", "")
	c.Flags().IntVarP(&opts.ForgetWindow, "forget-window", "f", 15, "")
	c.Flags().BoolVar(&opts.NoWindow, "no-window", false, "")
	addEnrollFlags(c, opts)
	addMatchFlags(c, opts)
	return c
}

func TestApplyOptions_OnlyChangedFlags(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.EnrollDir = "/from/config"
	cfg.Recognition.Threshold = 0.5

	var opts Options
	c := newTestCommand(&opts)
	require.NoError(t, c.Flags().Parse([]string{"-t", "0.4", "--forget-window", "0", "--no-window"}))
	applyOptions(c, opts, cfg)

	assert.Equal(t, 0.4, cfg.Recognition.Threshold)
	assert.Equal(t, 0, cfg.Recognition.Forget(15), "explicit zero disables smoothing")
	assert.True(t, cfg.Capture.Headless)
	assert.Equal(t, "/from/config", cfg.EnrollDir, "flag default must not override config")
	assert.Equal(t, "0", cfg.Input)
}

func TestApplyOptions_NothingChanged(t *testing.T) {
	cfg := defaultConfig(t)
	before := *cfg

	var opts Options
	c := newTestCommand(&opts)
	require.NoError(t, c.Flags().Parse(nil))
	applyOptions(c, opts, cfg)

	assert.Equal(t, before, *cfg)
}

func TestIsDevice(t *testing.T) {
	assert.True(t, isDevice("0"))
	assert.True(t, isDevice("2"))
	assert.True(t, isDevice("/dev/video0"))
	assert.False(t, isDevice("class.mp4"))
	assert.False(t, isDevice("rtsp://cam.local/stream"))
}

func TestValidateInput(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "class.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0644))

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"camera index", "0", ""},
		{"stream url", "rtsp://cam.local/stream", ""},
		{"existing file", video, ""},
		{"missing file", filepath.Join(dir, "missing.mp4"), "does not exist"},
		{"directory", dir, "is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.input)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLargestFace(t *testing.T) {
	boxes := []types.BoundingBox{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 50, Y: 50, Width: 30, Height: 30},
		{X: 90, Y: 90, Width: 30, Height: 30},
	}
	assert.Equal(t, boxes[1], largestFace(boxes), "first of equal areas wins")
	assert.Equal(t, boxes[0], largestFace(boxes[:1]))
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	} {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(input)), &out, "Drop?")
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "Drop? [y/N]: ", out.String())
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f9c2a1e", shortID("0f9c2a1e-8a4b-4f43-9e1d-5b8f0c7d6e21"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestRunAttendance_EnrollmentFailureReturns(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.EnrollDir = filepath.Join(t.TempDir(), "missing")
	cfg.Ledger = filepath.Join(t.TempDir(), "Attendance.csv")

	// Must come back as an error; exiting the process would skip deferred cleanup.
	err := runAttendance(context.Background(), cfg)
	var enrollErr *gallery.EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	assert.NoFileExists(t, cfg.Ledger, "nothing is opened after enrollment fails")
}

func TestIdentify_FromDBNeedsDatabase(t *testing.T) {
	Cfg = defaultConfig(t)
	DB = nil
	identifyFromDB = true
	t.Cleanup(func() {
		Cfg = nil
		identifyFromDB = false
	})

	err := runIdentify(context.Background(), filepath.Join(t.TempDir(), "face.png"))
	assert.ErrorIs(t, err, errNoDatabase)
}
