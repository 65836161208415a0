package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
	log "github.com/sirupsen/logrus"
)

// Response status bytes written by the embedding script.
const (
	statusOK     byte = 0
	statusError  byte = 1
	statusNoFace byte = 2
)

const (
	maxEmbedDim     = 4096
	cropJPEGQuality = 90
)

// ErrWorkerClosed is returned once a worker has been shut down, or when it could not be restarted
// after a timeout. It wraps embedding.ErrUnavailable.
var ErrWorkerClosed = fmt.Errorf("%w: embedding worker is closed", embedding.ErrUnavailable)

// PythonWorker drives a long-lived embedding script over a length-prefixed pipe protocol.
// It implements embedding.Provider. Calls are serialized.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	script string // empty for workers built around existing pipes; those cannot restart

	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts `python3 -u <script>`; the script writes responses to FD 3.
func NewPythonWorker(id int, script string) (*PythonWorker, error) {
	w := &PythonWorker{ID: id, script: script}
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PythonWorker) start() error {
	py := utils.NewSafeCommand("python3", "-u", w.script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	log.WithField("worker", w.ID).Debugf("Embedding worker started (%s)", w.script)
	w.Cmd, w.Stdin, w.DataPipe = py, stdin, r
	return nil
}

// Communicate sends one request and reads one response.
// Protocol: [uint32 length][payload] in both directions, big endian.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	return communicate(w.Stdin, w.DataPipe, data)
}

func communicate(stdin io.Writer, pipe io.Reader, data []byte) ([]byte, error) {
	if err := binary.Write(stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(pipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(pipe, respBody)
	return respBody, err
}

// Embed JPEG-encodes the crop and asks the script for its embedding.
// If ctx expires mid-call the script is killed and started again, since the stream can no longer be
// trusted. A worker that cannot be restarted is closed and returns ErrWorkerClosed from then on.
func (w *PythonWorker) Embed(ctx context.Context, face image.Image) ([]float64, error) {
	if err := embedding.CheckCrop(face); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, face, &jpeg.Options{Quality: cropJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	stdin, pipe := w.Stdin, w.DataPipe
	go func() {
		body, err := communicate(stdin, pipe, buf.Bytes())
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("worker %d pipe failed: %w", w.ID, r.err)
		}
		return decodeResponse(r.body)
	case <-ctx.Done():
		logger := log.WithField("worker", w.ID)
		logger.Warn("Embedding call timed out, restarting worker")
		if w.Cmd != nil && w.Cmd.Process != nil {
			_ = w.Cmd.Process.Kill()
		}
		w.releaseLocked()
		if err := w.restartLocked(); err != nil {
			logger.Errorf("Embedding worker could not be restarted: %v", err)
			w.closed = true
		}
		return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	}
}

// decodeResponse parses [status] followed by either [dim][float32...] or [msgLen][msg].
func decodeResponse(body []byte) ([]float64, error) {
	if len(body) < 1 {
		return nil, errors.New("empty response from python worker")
	}
	rd := bytes.NewReader(body[1:])

	switch body[0] {
	case statusOK:
		var dim uint32
		if err := binary.Read(rd, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("malformed worker response: %w", err)
		}
		if dim == 0 || dim > maxEmbedDim {
			return nil, fmt.Errorf("malformed worker response: dim %d", dim)
		}
		raw := make([]float32, dim)
		if err := binary.Read(rd, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("malformed worker response: %w", err)
		}
		vec := make([]float64, dim)
		for i, v := range raw {
			vec[i] = float64(v)
		}
		if err := embedding.Validate(vec); err != nil {
			return nil, err
		}
		return vec, nil
	case statusError, statusNoFace:
		msg, err := readMessage(rd)
		if err != nil {
			return nil, fmt.Errorf("malformed worker response: %w", err)
		}
		if body[0] == statusNoFace {
			return nil, &embedding.ExtractionError{Reason: msg}
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status %d", body[0])
	}
}

func readMessage(rd *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(rd.Len()) {
		return "", fmt.Errorf("message length %d exceeds payload", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(rd, msg); err != nil {
		return "", err
	}
	return string(msg), nil
}

// Close shuts the pipes and waits for the script to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

func (w *PythonWorker) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	w.releaseLocked()
}

func (w *PythonWorker) restartLocked() error {
	if w.script == "" {
		return errors.New("no script to restart")
	}
	return w.start()
}

// releaseLocked closes the pipes and reaps the current process.
func (w *PythonWorker) releaseLocked() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
