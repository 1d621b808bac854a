package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// LibcameraBackend records through libcamera-vid, the hardware-encoded
// path on Raspberry Pi camera modules.
type LibcameraBackend struct {
	settings Settings
	proc     procRunner
}

func NewLibcameraBackend(settings Settings) *LibcameraBackend {
	return &LibcameraBackend{settings: settings}
}

func (b *LibcameraBackend) Name() string { return "libcamera" }

// Probe checks that libcamera-vid is installed and answers at all.
func (b *LibcameraBackend) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("libcamera-vid"); err != nil {
		return fmt.Errorf("libcamera-vid not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, "libcamera-vid", "--version").Run(); err != nil {
		return fmt.Errorf("libcamera-vid probe: %w", err)
	}
	return nil
}

func (b *LibcameraBackend) Start(ctx context.Context, destPath string) error {
	args := []string{
		"-t", "0",
		"--width", strconv.Itoa(b.settings.Width),
		"--height", strconv.Itoa(b.settings.Height),
		"--framerate", strconv.Itoa(b.settings.FPS),
		"--bitrate", strconv.Itoa(b.settings.Bitrate),
		"--nopreview",
		"-o", destPath,
	}
	return b.proc.start(exec.Command("libcamera-vid", args...))
}

func (b *LibcameraBackend) Stop(ctx context.Context) error {
	return b.proc.stop(ctx)
}

func (b *LibcameraBackend) Running() bool {
	return b.proc.Running()
}
