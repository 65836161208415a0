// Package capture turns an ffmpeg MJPEG pipe into a stream of decoded frames.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/andresmejia3/rollcall/internal/utils"
	log "github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// Stream decodes concatenated JPEG frames from r.
type Stream struct {
	scanner *bufio.Scanner
	closer  io.Closer
	bad     int
}

// NewStream wraps r. If r is also an io.Closer it is closed by Close.
func NewStream(r io.Reader) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	s := &Stream{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Read returns the next decodable frame. Corrupt frames are skipped.
func (s *Stream) Read(ctx context.Context) (image.Image, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("frame scanner failed: %w", err)
			}
			return nil, io.EOF
		}
		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			s.bad++
			log.Debugf("Skipping corrupt frame: %v", err)
			continue
		}
		return img, nil
	}
}

// Corrupt returns how many frames failed to decode.
func (s *Stream) Corrupt() int { return s.bad }

func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FFmpeg reads frames from any input ffmpeg understands (file, URL, capture device).
type FFmpeg struct {
	*Stream
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	once   sync.Once
	werr   error
}

// OpenFFmpeg starts ffmpeg on input. extraArgs go before -i, e.g. "-f", "v4l2".
func OpenFFmpeg(ctx context.Context, input string, extraArgs ...string) (*FFmpeg, error) {
	cmd := utils.NewFFmpegCmd(ctx, input, extraArgs...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.WithField("input", input).Debug("ffmpeg started")
	return &FFmpeg{Stream: NewStream(out), cmd: cmd, stderr: stderr}, nil
}

// Read returns io.EOF once ffmpeg exits cleanly. A failed ffmpeg run is reported with its logs.
func (f *FFmpeg) Read(ctx context.Context) (image.Image, error) {
	img, err := f.Stream.Read(ctx)
	if err == nil || !errors.Is(err, io.EOF) {
		return img, err
	}
	if werr := f.wait(); werr != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", werr, strings.TrimSpace(f.stderr.String()))
	}
	return nil, io.EOF
}

func (f *FFmpeg) wait() error {
	f.once.Do(func() { f.werr = f.cmd.Wait() })
	return f.werr
}

// Close stops ffmpeg if it is still running and reaps it.
func (f *FFmpeg) Close() error {
	if f.cmd.ProcessState == nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	_ = f.wait()
	return nil
}
