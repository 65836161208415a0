// Package gallery loads the enrolled identities from a directory of reference images.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/rollcall/internal/embedding"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// Identity is one enrolled person. It is never mutated after Load.
type Identity struct {
	Label     string
	Embedding []float64
	Source    string
}

// Gallery maps labels to reference embeddings. It is read-only after construction.
type Gallery struct {
	byLabel map[string]Identity
	labels  []string
	dim     int
}

// EnrollmentError means the enrollment directory itself could not be used. It is fatal.
type EnrollmentError struct {
	Dir string
	Err error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("enrollment directory %q unusable: %v", e.Dir, e.Err)
}

func (e *EnrollmentError) Unwrap() error { return e.Err }

// Skipped describes a reference file that did not make it into the gallery.
type Skipped struct {
	File   string
	Reason error
}

// New builds a gallery from already-computed identities.
// Duplicate labels or mismatched dimensions are rejected.
func New(ids ...Identity) (*Gallery, error) {
	g := &Gallery{byLabel: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		if err := g.add(id); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gallery) add(id Identity) error {
	if err := ValidateLabel(id.Label); err != nil {
		return err
	}
	if _, dup := g.byLabel[id.Label]; dup {
		return fmt.Errorf("duplicate label %q", id.Label)
	}
	if len(id.Embedding) == 0 {
		return fmt.Errorf("identity %q has an empty embedding", id.Label)
	}
	if g.dim != 0 && len(id.Embedding) != g.dim {
		return fmt.Errorf("identity %q has dim %d, gallery has %d", id.Label, len(id.Embedding), g.dim)
	}
	if g.dim == 0 {
		g.dim = len(id.Embedding)
	}
	vec := make([]float64, len(id.Embedding))
	copy(vec, id.Embedding)
	id.Embedding = vec

	g.byLabel[id.Label] = id
	i := sort.SearchStrings(g.labels, id.Label)
	g.labels = append(g.labels, "")
	copy(g.labels[i+1:], g.labels[i:])
	g.labels[i] = id.Label
	return nil
}

// ValidateLabel rejects labels that cannot be written to the attendance ledger.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return errors.New("empty label")
	}
	if strings.ContainsAny(label, ",\r\n") {
		return fmt.Errorf("label %q contains a comma or newline", label)
	}
	return nil
}

// Len returns the number of enrolled identities.
func (g *Gallery) Len() int { return len(g.labels) }

// Dim returns the embedding dimensionality, or 0 for an empty gallery.
func (g *Gallery) Dim() int { return g.dim }

// Labels returns all labels in lexicographic order.
func (g *Gallery) Labels() []string {
	out := make([]string, len(g.labels))
	copy(out, g.labels)
	return out
}

// Lookup returns the identity for label.
func (g *Gallery) Lookup(label string) (Identity, bool) {
	id, ok := g.byLabel[label]
	return id, ok
}

// Identities returns every identity ordered by label.
// The embeddings are shared with the gallery and must not be modified.
func (g *Gallery) Identities() []Identity {
	out := make([]Identity, 0, len(g.labels))
	for _, l := range g.labels {
		out = append(out, g.byLabel[l])
	}
	return out
}

// Load reads every regular file in dir (no recursion, symlinks followed), embeds it and builds the
// gallery. A missing or unreadable directory is an *EnrollmentError. Files that cannot be decoded, or
// from which the provider extracts no embedding, are skipped with a warning and reported in the
// returned slice. Any other provider error aborts the load.
func Load(ctx context.Context, dir string, provider embedding.Provider) (*Gallery, []Skipped, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, &EnrollmentError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, nil, &EnrollmentError{Dir: dir, Err: errors.New("not a directory")}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, &EnrollmentError{Dir: dir, Err: err}
	}

	g := &Gallery{byLabel: make(map[string]Identity)}
	var skipped []Skipped
	skip := func(file string, reason error) {
		log.WithField("file", file).Warnf("Skipping reference image: %v", reason)
		skipped = append(skipped, Skipped{File: file, Reason: reason})
	}

	// os.ReadDir returns entries sorted by filename, so "first successful extraction" is deterministic.
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if !isRegularFile(entry, path) {
			continue
		}
		label := strings.TrimSuffix(name, filepath.Ext(name))

		if err := ValidateLabel(label); err != nil {
			skip(name, err)
			continue
		}
		if _, dup := g.byLabel[label]; dup {
			skip(name, fmt.Errorf("label %q already enrolled", label))
			continue
		}

		img, err := DecodeFile(path)
		if err != nil {
			skip(name, &embedding.ExtractionError{Source: name, Reason: "cannot decode image", Err: err})
			continue
		}

		vec, err := provider.Embed(ctx, img)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			// Only "no face in this picture" is the file's fault; anything else means the backend is broken.
			if !embedding.IsExtraction(err) {
				return nil, nil, fmt.Errorf("embedding reference image %s: %w", name, err)
			}
			var ee *embedding.ExtractionError
			if errors.As(err, &ee) && ee.Source == "" {
				ee.Source = name
			}
			skip(name, err)
			continue
		}

		if err := g.add(Identity{Label: label, Embedding: vec, Source: path}); err != nil {
			skip(name, err)
			continue
		}
		log.WithFields(log.Fields{"label": label, "dim": len(vec)}).Debug("Enrolled identity")
	}

	log.WithFields(log.Fields{"identities": g.Len(), "skipped": len(skipped)}).Info("Gallery loaded")
	return g, skipped, nil
}

// isRegularFile follows symlinks, so a link to a regular file counts as a reference image.
func isRegularFile(entry fs.DirEntry, path string) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DecodeFile decodes any registered image format (JPEG, PNG, BMP, TIFF, WebP).
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
