package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxStderrLines is how much ffmpeg stderr is kept for error reports.
const maxStderrLines = 20

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
	Output string

	mu       sync.Mutex
	started  time.Time
	finished time.Time

	stderrMu    sync.RWMutex
	stderrLines []string
}

type input struct {
	args   []string
	source string
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputs     []input
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input adds an input source. args are input options placed before its -i.
// Inputs are numbered in the order they are added.
func (b *CommandBuilder) Input(source string, args ...string) *CommandBuilder {
	b.inputs = append(b.inputs, input{args: args, source: source})
	return b
}

// LavfiInput adds a libavfilter source such as "anullsrc=r=44100:cl=stereo".
func (b *CommandBuilder) LavfiInput(graph string) *CommandBuilder {
	return b.Input(graph, "-f", "lavfi")
}

// VideoFilter adds a video filter. Filters are joined into one -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// Map selects a stream for the output, e.g. "0:v:0".
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", spec)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets a constant video bitrate: target, ceiling and buffer
// all equal the given rate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-b:v", bitrate,
		"-minrate", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
	)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// Metadata sets a container metadata tag.
func (b *CommandBuilder) Metadata(key, value string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-metadata", key+"="+value)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}

	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.source)
	}

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Output: b.output,
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command and waits for completion. On failure the error
// carries the last lines ffmpeg wrote to stderr.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	done := make(chan struct{})
	go c.captureStderr(stderr, done)
	<-done
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.finished = time.Now()
	c.mu.Unlock()

	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("ffmpeg exited with code %d: %s", exitErr.ExitCode(), c.lastStderr())
		}
		return fmt.Errorf("running ffmpeg: %w", waitErr)
	}
	return nil
}

// Duration returns how long the command ran, or has been running.
func (c *Command) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.IsZero() {
		return 0
	}
	if c.finished.IsZero() {
		return time.Since(c.started)
	}
	return c.finished.Sub(c.started)
}

// captureStderr keeps the most recent stderr lines in memory.
func (c *Command) captureStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()
	}
}

// GetStderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

func (c *Command) lastStderr() string {
	lines := c.GetStderrLines()
	if len(lines) == 0 {
		return "no output"
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
