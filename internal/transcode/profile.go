package transcode

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jmylchreest/tagsync/internal/config"
)

// Encoder settings shared by every output.
const (
	videoEncoder = "libx264"
	audioEncoder = "aac"
	h264Profile  = "high"
	h264Level    = "4.2"
	pixelFormat  = "yuv420p"
	sampleRate   = 44100
	tagPrefix    = "tagsync:"
)

// Profile is the normalized format every delivered file is converted to.
type Profile struct {
	Width         int
	Height        int
	Framerate     int
	GOP           int
	VideoBitrate  string
	AudioBitrate  string
	ImageDuration time.Duration
	// ImagesAsVideo wraps still images into a clip. When false images are
	// letterboxed and delivered as pictures.
	ImagesAsVideo bool
}

// ProfileFromConfig builds the profile from the media section.
func ProfileFromConfig(cfg config.MediaConfig) Profile {
	return Profile{
		Width:         cfg.TargetWidth,
		Height:        cfg.TargetHeight,
		Framerate:     cfg.Framerate,
		GOP:           cfg.GOP,
		VideoBitrate:  cfg.VideoBitrate,
		AudioBitrate:  cfg.AudioBitrate,
		ImageDuration: cfg.ImageDuration,
		ImagesAsVideo: cfg.ImagesAsVideo,
	}
}

// Tag is the marker written into the comment metadata of converted files.
// A file carrying the current tag is not converted again; changing the
// profile changes the tag.
func (p Profile) Tag() string {
	return fmt.Sprintf("%s%dx%d@%dg%d/%s/%s", tagPrefix, p.Width, p.Height, p.Framerate, p.GOP, p.VideoBitrate, p.AudioBitrate)
}

// letterbox scales into the target box preserving aspect ratio and pads the
// rest with black.
func (p Profile) letterbox() string {
	w, h := strconv.Itoa(p.Width), strconv.Itoa(p.Height)
	return "scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease," +
		"pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2," +
		"setsar=1"
}

func (p Profile) seconds() string {
	return strconv.FormatFloat(p.ImageDuration.Seconds(), 'f', -1, 64)
}

func silentAudio() string {
	return "anullsrc=r=" + strconv.Itoa(sampleRate) + ":cl=stereo"
}
