package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose critical crash information if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps subprocess logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy: ShowError, then exit 1.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (ffmpeg frame source) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetTotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		log.Warn("ffprobe not found, progress will be shown without a total")
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}

	// Container metadata only; this might return "N/A" for live or VFR sources.
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		log.Debugf("ffprobe failed: %v", err)
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			// Nothing but trailing garbage left
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe.
// It configures FFmpeg to output MJPEG frames to Stdout for ingestion; input may be a file or a device.
func NewFFmpegCmd(ctx context.Context, input string, extraArgs ...string) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, extraArgs...)
	args = append(args, "-i", input, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// GenerateSourceID creates a deterministic hash for an input file
// based on its path, size, and modification time. Non-file inputs hash the raw string.
func GenerateSourceID(input string) string {
	raw := input
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		raw = fmt.Sprintf("%s-%d-%d", input, info.Size(), info.ModTime().UnixNano())
	}
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}
