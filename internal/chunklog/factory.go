package chunklog

import (
	"fmt"

	"github.com/kandev/agentstream/internal/common/config"
	"github.com/kandev/agentstream/internal/common/logger"
)

// New creates the configured chunk log backend.
func New(cfg *config.Config, log *logger.Logger) (Client, error) {
	switch cfg.ChunkLog.Backend {
	case "", "memory":
		return NewMemory(log), nil
	case "nats":
		return NewJetStream(cfg.NATS, cfg.ChunkLog, log)
	default:
		return nil, fmt.Errorf("unknown chunk log backend %q", cfg.ChunkLog.Backend)
	}
}

// OptionsFromConfig maps chunk log settings to producer options.
func OptionsFromConfig(cfg config.ChunkLogConfig) ProducerOptions {
	return ProducerOptions{
		Window:      cfg.Window,
		Linger:      cfg.Linger(),
		MaxBatch:    cfg.MaxBatch,
		SendTimeout: cfg.FlushTimeoutDuration(),
	}
}
