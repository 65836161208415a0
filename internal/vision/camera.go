// Package vision holds the OpenCV-backed adapters: camera capture, cascade face detection and the
// preview window.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrCameraRead is returned when a live device stops delivering frames.
var ErrCameraRead = errors.New("camera returned no frame")

// Camera reads frames through cv::VideoCapture.
type Camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	device  string
	live    bool
}

// OpenCamera opens a device index ("0") or a video file / stream URL.
func OpenCamera(device string) (*Camera, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	idx, convErr := strconv.Atoi(device)
	live := convErr == nil
	if live {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open capture %q: device not available", device)
	}
	log.WithFields(log.Fields{"device": device, "live": live}).Info("Capture opened")
	return &Camera{capture: vc, mat: gocv.NewMat(), device: device, live: live}, nil
}

// Read grabs the next frame. Files end with io.EOF; a live device that stops answering is an error.
func (c *Camera) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		if c.live {
			return nil, fmt.Errorf("%w: device %s", ErrCameraRead, c.device)
		}
		return nil, io.EOF
	}
	return c.mat.ToImage()
}

// FrameCount returns the container's frame count for files, or 0 when unknown.
func (c *Camera) FrameCount() int {
	if c.live {
		return 0
	}
	n := int(c.capture.Get(gocv.VideoCaptureFrameCount))
	if n < 0 {
		return 0
	}
	return n
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.capture.Close()
}
