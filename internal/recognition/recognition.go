// Package recognition matches a query embedding against the enrolled gallery.
package recognition

import (
	"fmt"
	"math"

	"github.com/andresmejia3/rollcall/internal/gallery"
)

// DefaultThreshold is the cosine distance below which a face counts as a match.
const DefaultThreshold = 0.6

// Result is the outcome of a single match. Label and Distance are only meaningful when Matched.
type Result struct {
	Matched  bool
	Label    string
	Distance float64
}

// Unmatched is the zero Result.
var Unmatched = Result{}

func (r Result) String() string {
	if !r.Matched {
		return "Unmatched"
	}
	return fmt.Sprintf("Matched(%s, %.4f)", r.Label, r.Distance)
}

// InvalidEmbeddingError means the query does not have the gallery's dimensionality.
// It points at a backend mismatch and is not recoverable.
type InvalidEmbeddingError struct {
	Want int
	Got  int
}

func (e *InvalidEmbeddingError) Error() string {
	return fmt.Sprintf("invalid embedding: gallery dim %d, query dim %d", e.Want, e.Got)
}

// Match returns the closest identity when its cosine distance is strictly below threshold.
// Equal distances resolve to the lexicographically first label.
func Match(query []float64, g *gallery.Gallery, threshold float64) (Result, error) {
	if g == nil || g.Len() == 0 {
		return Unmatched, nil
	}
	if len(query) != g.Dim() {
		return Unmatched, &InvalidEmbeddingError{Want: g.Dim(), Got: len(query)}
	}

	best := Unmatched
	bestDist := math.Inf(1)
	// Identities() is label-ordered, so strict < keeps the first label on ties.
	for _, id := range g.Identities() {
		d := CosineDist(query, id.Embedding)
		if d < bestDist {
			bestDist = d
			best = Result{Label: id.Label, Distance: d}
		}
	}

	if bestDist < threshold {
		best.Matched = true
		return best, nil
	}
	return Unmatched, nil
}

// CosineDist returns 1 - cosine similarity, clamped to [0, 2].
// A zero vector (or mismatched lengths) yields 1.0.
func CosineDist(a, b []float64) float64 {
	if len(a) != len(b) {
		return 1.0
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	// Return 1.0 if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// Clamp to [-1, 1] to handle floating point errors
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return 1.0 - sim
}
