package internal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ProgressCallback receives encoder progress on a 0-50 scale.
type ProgressCallback func(progress int)

type EncodeParams struct {
	Plan             EncodePlan
	InputPath        string
	OutputDir        string
	OutputCode       string
	ProgressCallback ProgressCallback
}

// Encoder starts one external encode per call.
type Encoder interface {
	Start(context.Context, EncodeParams) (EncodeProcess, error)
}

// EncodeProcess is a running encode. Terminate is the only capability handed
// to the registry and may be called any number of times.
type EncodeProcess interface {
	Wait() error
	Terminate()
}

// PlaylistPath returns where the manifest for outputCode is written.
func PlaylistPath(outputDir, outputCode string) string {
	return filepath.Join(outputDir, outputCode+".m3u8")
}

// BuildEncodeArgs returns the ffmpeg argument vector for an HLS encode.
// Segment names are derived from the output code so a re-run overwrites the
// same object keys.
func BuildEncodeArgs(params EncodeParams) []string {
	plan := params.Plan
	return []string{
		"-y",
		"-i", params.InputPath,
		"-c:v", plan.VideoCodec,
		"-b:v", plan.VideoBitrate,
		"-c:a", plan.AudioCodec,
		"-b:a", plan.AudioBitrate,
		"-preset", plan.Preset,
		"-hls_time", strconv.Itoa(plan.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(params.OutputDir, params.OutputCode+"_%03d.ts"),
		"-f", "hls",
		PlaylistPath(params.OutputDir, params.OutputCode),
	}
}

var timeRegex = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseProgress extracts the last time= marker in chunk and scales it to 0-50
// against duration seconds.
func ParseProgress(chunk string, duration float64) (int, bool) {
	if duration <= 0 {
		return 0, false
	}
	all := timeRegex.FindAllStringSubmatch(chunk, -1)
	if len(all) == 0 {
		return 0, false
	}
	matches := all[len(all)-1]

	hours, _ := strconv.Atoi(matches[1])
	minutes, _ := strconv.Atoi(matches[2])
	seconds, err := strconv.ParseFloat(matches[3], 64)
	if err != nil {
		return 0, false
	}
	elapsed := float64(hours*3600+minutes*60) + seconds

	progress := int(math.Round(elapsed / duration * 50))
	if progress > 50 {
		progress = 50
	}
	return progress, true
}

// FFmpegEncoder runs ffmpeg and supervises it until exit.
type FFmpegEncoder struct {
	Binary string
	Logger zerolog.Logger
}

func (e *FFmpegEncoder) Start(ctx context.Context, params EncodeParams) (EncodeProcess, error) {
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary, BuildEncodeArgs(params)...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process) }

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrEncodeFailed, err)
	}
	e.Logger.Debug().Str("cmd", cmd.String()).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	p := &ffmpegProcess{
		cmd:          cmd,
		proc:         cmd.Process,
		playlistPath: PlaylistPath(params.OutputDir, params.OutputCode),
		done:         make(chan struct{}),
		diagnostics:  newTailBuffer(diagnosticsLimit),
	}
	go p.supervise(stderr, params)
	return p, nil
}

const diagnosticsLimit = 16 * 1024

type ffmpegProcess struct {
	cmd          *exec.Cmd
	playlistPath string
	diagnostics  *tailBuffer
	done         chan struct{}
	err          error

	mu     sync.Mutex
	proc   *os.Process // nil once the process has exited
	killed bool
}

func (p *ffmpegProcess) supervise(stderr io.Reader, params EncodeParams) {
	defer close(p.done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanProgressLines)
	last := -1
	for scanner.Scan() {
		chunk := scanner.Text()
		if chunk == "" {
			continue
		}
		p.diagnostics.WriteLine(chunk)
		if progress, ok := ParseProgress(chunk, params.Plan.Duration); ok && progress > last {
			last = progress
			if params.ProgressCallback != nil {
				params.ProgressCallback(progress)
			}
		}
	}
	// Consume any remaining output so Wait can return.
	io.Copy(io.Discard, stderr)

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.proc = nil
	killed := p.killed
	p.mu.Unlock()

	p.err = p.result(waitErr, killed)
}

func (p *ffmpegProcess) result(waitErr error, killed bool) error {
	if killed {
		return fmt.Errorf("%w: ffmpeg was terminated", ErrEncodeFailed)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &EncodeFailedError{
				ExitCode:    exitErr.ExitCode(),
				Diagnostics: strings.TrimSpace(p.diagnostics.String()),
			}
		}
		return fmt.Errorf("%w: %v", ErrEncodeFailed, waitErr)
	}
	if _, err := os.Stat(p.playlistPath); err != nil {
		return fmt.Errorf("%w: %s", ErrOutputMissing, filepath.Base(p.playlistPath))
	}
	return nil
}

func (p *ffmpegProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *ffmpegProcess) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil || p.killed {
		return
	}
	p.killed = true
	_ = killProcessGroup(p.proc)
}

// scanProgressLines splits on either \r or \n; ffmpeg rewrites its status
// line with carriage returns.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
