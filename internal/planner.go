package internal

import "fmt"

const (
	SegmentDuration   = 20
	videoCodec        = "libx264"
	audioCodec        = "aac"
	videoBitrateLimit = "1400k"
	audioBitrateLimit = "96k"
	encodePreset      = "faster"
)

// EncodePlan holds the encoder settings for one job. It lives only for the
// duration of the encode step.
type EncodePlan struct {
	VideoCodec      string
	AudioCodec      string
	VideoBitrate    string
	AudioBitrate    string
	Preset          string
	SegmentDuration int
	// Duration of the source in seconds, used to scale encoder progress.
	Duration float64
}

// Plan maps probed metadata to encoder settings. The policy is fixed: a single
// rendition regardless of source resolution.
func Plan(info *MediaInfo) (EncodePlan, error) {
	if info == nil || info.Video == nil {
		return EncodePlan{}, fmt.Errorf("%w: media info has no video stream", ErrPlan)
	}
	return EncodePlan{
		VideoCodec:      videoCodec,
		AudioCodec:      audioCodec,
		VideoBitrate:    videoBitrateLimit,
		AudioBitrate:    audioBitrateLimit,
		Preset:          encodePreset,
		SegmentDuration: SegmentDuration,
		Duration:        info.Duration,
	}, nil
}
