package vision

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
	"gocv.io/x/gocv"
)

var (
	boxColor     = color.RGBA{0, 0, 255, 0}
	knownColor   = color.RGBA{0, 255, 0, 0}
	unknownColor = color.RGBA{255, 0, 0, 0}
)

// Window draws overlays and shows frames in a HighGUI window. It must be used from the main thread.
type Window struct {
	win *gocv.Window
}

func NewWindow(title string) *Window {
	return &Window{win: gocv.NewWindow(title)}
}

// Render draws the overlays and returns pipeline.ErrStop when 'q' is pressed or the window is closed.
func (w *Window) Render(frame image.Image, overlays []types.Overlay) error {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	for _, ov := range overlays {
		r := ov.Box.Rect()
		gocv.Rectangle(&mat, r, boxColor, 2)
		c := unknownColor
		if ov.Matched {
			c = knownColor
		}
		gocv.PutText(&mat, ov.Caption(), image.Point{X: r.Min.X, Y: r.Min.Y - 10}, gocv.FontHersheySimplex, 1, c, 2)
	}

	w.win.IMShow(mat)
	if key := w.win.WaitKey(1); key&0xFF == 'q' {
		return pipeline.ErrStop
	}
	if !w.win.IsOpen() {
		return pipeline.ErrStop
	}
	return nil
}

func (w *Window) Close() error {
	return w.win.Close()
}
