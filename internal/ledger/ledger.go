// Package ledger is the append-only attendance file: one "<label>,<HH:MM:SS>" line per identity.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TimeLayout is the wall-clock format stored per record.
const TimeLayout = "15:04:05"

// ErrInvalidLabel is returned for labels that would corrupt the file.
var ErrInvalidLabel = errors.New("invalid attendance label")

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("ledger is closed")

// Record is one attendance line.
type Record struct {
	Label string
	Time  string
}

func (r Record) String() string { return r.Label + "," + r.Time }

// Ledger deduplicates attendance by label across runs.
type Ledger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	seen    map[string]struct{}
	records []Record
	// Set when the existing file lacks a trailing newline.
	needsNewline bool
	noSync       bool
}

// Option configures Open.
type Option func(*Ledger)

// WithoutSync skips fsync after each append. Only meant for tests and throwaway runs.
func WithoutSync() Option {
	return func(l *Ledger) { l.noSync = true }
}

// Open loads the existing records at path (if any) and opens it for appending.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{path: path, seen: make(map[string]struct{})}
	for _, opt := range opts {
		opt(l)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	records, malformed := parse(bytes.NewReader(data))
	for _, r := range records {
		l.seen[r.Label] = struct{}{}
		l.records = append(l.records, r)
	}
	if malformed > 0 {
		log.WithFields(log.Fields{"path": path, "lines": malformed}).Warn("Ignoring malformed ledger lines")
	}
	l.needsNewline = len(data) > 0 && data[len(data)-1] != '\n'

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	l.file = f
	log.WithFields(log.Fields{"path": path, "records": len(l.records)}).Debug("Ledger opened")
	return l, nil
}

// Record appends label with the wall-clock time of at, unless label is already present.
// It reports whether a new line was written. The line is synced before Record returns.
func (l *Ledger) Record(label string, at time.Time) (bool, error) {
	if err := ValidateLabel(label); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[label]; ok {
		return false, nil
	}
	if l.file == nil {
		return false, ErrClosed
	}

	rec := Record{Label: label, Time: at.Format(TimeLayout)}
	line := rec.String() + "\n"
	if l.needsNewline {
		line = "\n" + line
	}
	if _, err := l.file.WriteString(line); err != nil {
		return false, fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if !l.noSync {
		if err := l.file.Sync(); err != nil {
			return false, fmt.Errorf("sync ledger %s: %w", l.path, err)
		}
	}
	l.needsNewline = false
	l.seen[label] = struct{}{}
	l.records = append(l.records, rec)
	return true, nil
}

// Has reports whether label already has a record.
func (l *Ledger) Has(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[label]
	return ok
}

// Records returns a copy of every record in file order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Close releases the file. Already recorded lines are on disk.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadFile parses the ledger at path without opening it for writing.
// A missing file yields no records.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, _ := parse(f)
	return records, nil
}

// Truncate empties the ledger file at path, creating it if needed.
func Truncate(path string) error {
	return os.WriteFile(path, nil, 0644)
}

// ValidateLabel rejects empty labels and labels containing the field or record separator.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" || strings.ContainsAny(label, ",\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// parse keeps the first well-formed line per label and counts malformed lines.
func parse(r io.Reader) ([]Record, int) {
	var (
		records   []Record
		malformed int
		seen      = make(map[string]struct{})
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		label, ts, ok := strings.Cut(line, ",")
		if !ok || strings.TrimSpace(label) == "" || strings.Contains(ts, ",") {
			malformed++
			continue
		}
		if _, err := time.Parse(TimeLayout, ts); err != nil {
			malformed++
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		records = append(records, Record{Label: label, Time: ts})
	}
	return records, malformed
}
