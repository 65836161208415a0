package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// DefaultScale shrinks frames before detection; boxes are scaled back up afterwards.
const DefaultScale = 0.3

// DefaultCascade is the stock OpenCV frontal face model.
const DefaultCascade = "haarcascade_frontalface_default.xml"

// CascadeDetector finds faces with a Haar cascade on a downscaled grayscale copy of the frame.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	scale      float64
	minSize    int
}

// NewCascadeDetector loads the cascade XML at path. scale <= 0 or > 1 falls back to DefaultScale.
func NewCascadeDetector(path string, scale float64, minFaceSize int) (*CascadeDetector, error) {
	if scale <= 0 || scale > 1 {
		scale = DefaultScale
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load face cascade classifier %s", path)
	}
	log.WithFields(log.Fields{"cascade": path, "scale": scale}).Info("Face detector initialized")
	return &CascadeDetector{classifier: classifier, scale: scale, minSize: minFaceSize}, nil
}

// Detect returns face boxes in the coordinates of frame.
func (d *CascadeDetector) Detect(ctx context.Context, frame image.Image) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(src, &small, image.Point{}, d.scale, d.scale, gocv.InterpolationLinear)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(small, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	minSide := int(float64(d.minSize) * d.scale)
	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 5, 0,
		image.Point{X: minSide, Y: minSide}, image.Point{})
	d.mu.Unlock()

	boxes := make([]types.BoundingBox, 0, len(rects))
	for _, r := range rects {
		b := types.Unscale(r, d.scale, frame.Bounds())
		if b.Area() > 0 {
			boxes = append(boxes, b)
		}
	}
	return boxes, nil
}

func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}
