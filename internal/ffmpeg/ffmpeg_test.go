package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/config"
)

// skipIfNoFFmpeg skips the test if ffmpeg and ffprobe are not installed.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantFull  string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{
			name:      "release",
			output:    "ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc 13\n",
			wantFull:  "6.1.1",
			wantMajor: 6, wantMinor: 1,
		},
		{
			name:      "git build",
			output:    "ffmpeg version n7.0-2-g1234abcd Copyright (c) 2000-2024\n",
			wantFull:  "n7.0-2-g1234abcd",
			wantMajor: 7, wantMinor: 0,
		},
		{
			name:     "unnumbered snapshot",
			output:   "ffmpeg version N-112233-gabc Copyright\n",
			wantFull: "N-112233-gabc",
		},
		{name: "garbage", output: "command not found", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, major, minor, err := parseVersion(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFull, full)
			assert.Equal(t, tt.wantMajor, major)
			assert.Equal(t, tt.wantMinor, minor)
		})
	}
}

func TestParseEncoders(t *testing.T) {
	output := `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V..... png                  PNG (Portable Network Graphics) image
 A....D aac                  AAC (Advanced Audio Coding)
 S..... srt                  SubRip subtitle
`
	assert.Equal(t, []string{"libx264", "png", "aac", "srt"}, parseEncoders(output))
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		HideBanner().
		Overwrite().
		Input("in.png", "-loop", "1", "-t", "3").
		LavfiInput("anullsrc=r=44100:cl=stereo").
		VideoFilter("scale=720:1280").
		VideoFilter("format=yuv420p").
		Map("0:v:0").
		Map("1:a:0").
		VideoCodec("libx264").
		VideoBitrate("2M").
		AudioCodec("aac").
		Metadata("comment", "tagsync:test").
		OutputArgs("-shortest").
		Output("out.mp4").
		Build()

	assert.Equal(t, []string{
		"-loglevel", "error", "-hide_banner", "-y",
		"-loop", "1", "-t", "3", "-i", "in.png",
		"-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo",
		"-vf", "scale=720:1280,format=yuv420p",
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "libx264",
		"-b:v", "2M", "-minrate", "2M", "-maxrate", "2M", "-bufsize", "2M",
		"-c:a", "aac",
		"-metadata", "comment=tagsync:test",
		"-shortest",
		"out.mp4",
	}, cmd.Args)
	assert.Equal(t, "out.mp4", cmd.Output)
	assert.Contains(t, cmd.String(), "/usr/bin/ffmpeg -loglevel error")
}

func TestCommand_RunReportsStderr(t *testing.T) {
	skipIfNoFFmpeg(t)
	path, _ := exec.LookPath("ffmpeg")

	cmd := NewCommandBuilder(path).
		Input(filepath.Join(t.TempDir(), "missing.png")).
		Output(filepath.Join(t.TempDir(), "out.mp4")).
		Build()

	err := cmd.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg exited")
	assert.NotEmpty(t, cmd.GetStderrLines())
	assert.Greater(t, cmd.Duration(), time.Duration(0))
}

func TestSummarize(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 720, "height": 1280, "r_frame_rate": "25/1"},
			{"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100", "channels": 2},
			{"index": 2, "codec_name": "mjpeg", "codec_type": "video"}
		],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "3.000000", "tags": {"COMMENT": "tagsync:720x1280"}}
	}`)

	result, err := ParseProbeOutput(raw)
	require.NoError(t, err)
	info := Summarize(result)

	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, 720, info.Width)
	assert.Equal(t, 1280, info.Height)
	assert.InDelta(t, 25.0, info.Framerate, 0.001)
	assert.Equal(t, 3*time.Second, info.Duration)
	assert.Equal(t, "tagsync:720x1280", info.Comment)
	assert.True(t, info.HasAudio())
	assert.True(t, info.HasVideo())

	silent := Summarize(&ProbeResult{Streams: []ProbeStream{{CodecType: "video", CodecName: "vp9"}}})
	assert.False(t, silent.HasAudio())
}

func TestParseFrameRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.01)
	assert.Equal(t, 25.0, parseFrameRate("25"))
	assert.Equal(t, 0.0, parseFrameRate("0/0"))
	assert.Equal(t, 0.0, parseFrameRate(""))
}

func TestBinaryDetector_Detect(t *testing.T) {
	skipIfNoFFmpeg(t)

	detector := NewBinaryDetector(config.FFmpegConfig{}).WithCacheTTL(time.Hour)
	info, err := detector.Detect(context.Background())
	if err != nil {
		assert.ErrorIs(t, err, ErrMissingEncoder)
		t.Skip("installed ffmpeg lacks the profile encoders")
	}
	assert.NotEmpty(t, info.FFmpegPath)
	assert.NotEmpty(t, info.FFprobePath)
	assert.NotEmpty(t, info.Version)

	cached, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, cached)

	detector.Clear()
	fresh, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, info, fresh)
}

func TestBinaryDetector_BadConfiguredPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(p, []byte("not executable"), 0o600))

	_, err := NewBinaryDetector(config.FFmpegConfig{BinaryPath: p}).Detect(context.Background())
	assert.Error(t, err)
}
