package transcode

import (
	"errors"
	"fmt"
	"os"

	"github.com/abema/go-mp4"
)

// ErrVerify is returned when an encoded file does not match the profile.
var ErrVerify = errors.New("output failed verification")

// Verify checks that the MP4 at path carries exactly one H.264 track at the
// profile resolution and exactly one AAC track.
func Verify(path string, p Profile) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := mp4.Probe(f)
	if err != nil {
		return fmt.Errorf("%w: %s is not a readable mp4: %v", ErrVerify, path, err)
	}

	var video, audio int
	for _, track := range info.Tracks {
		switch track.Codec {
		case mp4.CodecAVC1:
			video++
			if track.AVC != nil && (int(track.AVC.Width) != p.Width || int(track.AVC.Height) != p.Height) {
				return fmt.Errorf("%w: video is %dx%d, want %dx%d",
					ErrVerify, track.AVC.Width, track.AVC.Height, p.Width, p.Height)
			}
		case mp4.CodecMP4A:
			audio++
		default:
			return fmt.Errorf("%w: unexpected track %d", ErrVerify, track.TrackID)
		}
	}

	if video != 1 || audio != 1 {
		return fmt.Errorf("%w: found %d video and %d audio tracks, want one of each", ErrVerify, video, audio)
	}
	return nil
}
