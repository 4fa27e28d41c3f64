package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// NewSTT builds the recognizer named in pc.STT from reg. When fallbacks are
// configured, the primary and every fallback are wrapped in a
// [resilience.STTFallback] with one circuit breaker per backend.
func NewSTT(pc config.ProvidersConfig, reg *config.Registry, logger *slog.Logger) (stt.Provider, error) {
	if pc.STT.Name == "" {
		return nil, errors.New("app: providers.stt is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	primary, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	logger.Info("recognizer created", "name", pc.STT.Name, "model", pc.STT.Model)
	if len(pc.STTFallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewSTTFallback(primary, pc.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Logger: logger},
	})
	for _, entry := range pc.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("app: fallback: %w", err)
		}
		fb.AddFallback(entry.Name, p)
	}
	logger.Info("recognizer failover enabled", "order", fb.Names())
	return fb, nil
}
