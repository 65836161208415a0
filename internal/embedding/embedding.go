// Package embedding defines the face-embedding contract shared by enrollment and the frame pipeline.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	// ErrNoEmbedding is the root cause of every ExtractionError.
	ErrNoEmbedding = errors.New("no usable embedding")
	// ErrUnavailable marks a backend that can no longer serve any request.
	ErrUnavailable = errors.New("embedding backend unavailable")
)

// Provider turns a cropped face into a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, face image.Image) ([]float64, error)
}

// ExtractionError reports that a face region could not be turned into an embedding.
// It is recoverable: enrollment skips the file, the pipeline draws the box as unknown.
type ExtractionError struct {
	Source string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "embedding extraction failed"
	if e.Source != "" {
		msg += " for " + e.Source
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && !errors.Is(e.Err, ErrNoEmbedding) {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrNoEmbedding) match every extraction failure.
func (e *ExtractionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNoEmbedding}
	}
	return []error{ErrNoEmbedding, e.Err}
}

// IsExtraction reports whether err is (or wraps) an ExtractionError.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// MinFaceSide is the smallest crop side accepted by the bundled providers.
const MinFaceSide = 16

// CheckCrop rejects crops that are too small or empty to embed.
func CheckCrop(face image.Image) error {
	if face == nil {
		return &ExtractionError{Reason: "nil image"}
	}
	b := face.Bounds()
	if b.Dx() < MinFaceSide || b.Dy() < MinFaceSide {
		return &ExtractionError{Reason: fmt.Sprintf("crop %dx%d below %dpx", b.Dx(), b.Dy(), MinFaceSide)}
	}
	return nil
}

// Validate rejects empty, all-zero or non-finite vectors.
func Validate(vec []float64) error {
	if len(vec) == 0 {
		return &ExtractionError{Reason: "empty vector"}
	}
	nonZero := false
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ExtractionError{Reason: "non-finite component"}
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return &ExtractionError{Reason: "zero vector"}
	}
	return nil
}
