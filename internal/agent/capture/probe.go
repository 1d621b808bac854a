package capture

import (
	"context"

	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/logging"
)

// SelectBackend probes the known backends in preference order (hardware
// path first) and returns the first one that can run on this host.
func SelectBackend(ctx context.Context, settings Settings, log logging.Logger) (Backend, error) {
	candidates := []Backend{
		NewLibcameraBackend(settings),
		NewFFmpegBackend(settings),
	}

	for _, b := range candidates {
		if err := b.Probe(ctx); err != nil {
			log.Warn(ctx, "capture backend unavailable", "backend", b.Name(), "error", err)
			continue
		}
		log.Info(ctx, "capture backend selected", "backend", b.Name())
		return b, nil
	}

	return nil, common.ErrNoBackend
}
