package utils

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker and ffmpeg logs)
// so crash information survives the process.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process wrote to stderr.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps captured process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 SENTINEL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for startup failures.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Stream Decoding ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
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

// NewFFmpegStreamCmd creates a decoder pipe for a live stream locator (RTSP, HTTP MJPEG, device).
// FFmpeg emits MJPEG frames on stdout which SplitJpeg can cut apart. A positive ioTimeout
// makes network reads fail instead of hanging when the camera goes silent.
func NewFFmpegStreamCmd(ctx context.Context, locator string, ioTimeout time.Duration) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, ioTimeoutArgs(locator, ioTimeout)...)
	args = append(args, "-i", locator, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// ioTimeoutArgs picks the ffmpeg input option that bounds a blocked read for the
// locator's protocol. Local devices and files get none.
func ioTimeoutArgs(locator string, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	us := strconv.FormatInt(timeout.Microseconds(), 10)
	scheme, _, ok := strings.Cut(locator, "://")
	if !ok {
		return nil
	}
	switch strings.ToLower(scheme) {
	case "rtsp", "rtsps":
		return []string{"-timeout", us}
	case "http", "https", "rtmp", "rtmps", "tcp", "udp", "srt":
		return []string{"-rw_timeout", us}
	default:
		return nil
	}
}

// --- 3. Identifiers ---

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEvidenceID returns a ULID derived from t. IDs generated for the same millisecond stay sortable.
func NewEvidenceID(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Asset suffixes shared with downstream consumers. Only the FULL asset triggers cloud analysis.
const (
	FaceSuffix = "_FACE.jpg"
	FullSuffix = "_FULL.jpg"
)

// EvidenceAssetNames returns the sibling face and full-scene file names for an evidence ID.
func EvidenceAssetNames(id string) (face, full string) {
	base := "evidence_" + id
	return base + FaceSuffix, base + FullSuffix
}

// CameraID creates a deterministic short hash for a stream locator so that
// evidence from different cameras can be told apart downstream.
func CameraID(locator string) string {
	hash := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(hash[:])[:12]
}
