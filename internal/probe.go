package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo is the subset of container and stream metadata the pipeline uses.
type MediaInfo struct {
	FormatName string
	// Duration is the total media duration in seconds, zero if unknown.
	Duration float64
	Video    *VideoStream
	Audio    *AudioStream
}

type VideoStream struct {
	Codec  string
	Width  int
	Height int
}

type AudioStream struct {
	Codec    string
	Channels int
}

type Prober interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
}

// FFprobe runs ffprobe once per file with JSON output.
type FFprobe struct {
	Binary string
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %q: %v: %s", ErrProbe, path, err, strings.TrimSpace(stderr.String()))
	}

	return ParseProbeOutput(output)
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeStream struct {
	CodecName   string         `json:"codec_name"`
	CodecType   string         `json:"codec_type"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Channels    int            `json:"channels"`
	Duration    string         `json:"duration"`
	Disposition map[string]int `json:"disposition"`
}

// ParseProbeOutput converts raw ffprobe JSON into MediaInfo. The first video
// stream that is not cover art wins; a file without one is rejected.
func ParseProbeOutput(data []byte) (*MediaInfo, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: unparsable ffprobe output: %v", ErrProbe, err)
	}

	info := &MediaInfo{
		FormatName: raw.Format.FormatName,
		Duration:   parseSeconds(raw.Format.Duration),
	}
	var longestStream float64
	for _, s := range raw.Streams {
		if d := parseSeconds(s.Duration); d > longestStream {
			longestStream = d
		}
		switch s.CodecType {
		case "video":
			if info.Video == nil && s.Disposition["attached_pic"] != 1 {
				info.Video = &VideoStream{Codec: s.CodecName, Width: s.Width, Height: s.Height}
			}
		case "audio":
			if info.Audio == nil {
				info.Audio = &AudioStream{Codec: s.CodecName, Channels: s.Channels}
			}
		}
	}
	if info.Video == nil {
		return nil, fmt.Errorf("%w: no video stream found", ErrProbe)
	}
	if info.Duration <= 0 {
		info.Duration = longestStream
	}
	return info, nil
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
