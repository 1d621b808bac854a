package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// FFmpegBackend records from a V4L2 device through ffmpeg, the software
// path for USB cameras.
type FFmpegBackend struct {
	settings Settings
	proc     procRunner
}

func NewFFmpegBackend(settings Settings) *FFmpegBackend {
	return &FFmpegBackend{settings: settings}
}

func (b *FFmpegBackend) Name() string { return "ffmpeg" }

// Probe checks that ffmpeg is installed and the capture device node exists.
func (b *FFmpegBackend) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if _, err := os.Stat(b.settings.Device); err != nil {
		return fmt.Errorf("capture device %s: %w", b.settings.Device, err)
	}
	return nil
}

func (b *FFmpegBackend) Start(ctx context.Context, destPath string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(b.settings.FPS),
		"-video_size", fmt.Sprintf("%dx%d", b.settings.Width, b.settings.Height),
		"-i", b.settings.Device,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-b:v", strconv.Itoa(b.settings.Bitrate),
		"-y", destPath,
	}
	return b.proc.start(exec.Command("ffmpeg", args...))
}

func (b *FFmpegBackend) Stop(ctx context.Context) error {
	return b.proc.stop(ctx)
}

func (b *FFmpegBackend) Running() bool {
	return b.proc.Running()
}
