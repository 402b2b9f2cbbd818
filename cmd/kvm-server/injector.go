package main

import (
	"fmt"
	"log/slog"

	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/injector"
	"github.com/softkvm/softkvm/internal/inputrouter"
)

// initInputRouter builds the platform input injector and wraps it in a
// Router bounded to the configured video resolution (§4.7).
func initInputRouter(cfg *config.ServerConfig, l *slog.Logger) (*inputrouter.Router, func(), error) {
	inj, err := injector.NewDefault(cfg.InjectorBackend)
	if err != nil {
		return nil, func() {}, fmt.Errorf("injector: %w", err)
	}
	bounds := inputrouter.Bounds{Width: int32(cfg.VideoWidth), Height: int32(cfg.VideoHeight)}
	router := inputrouter.New(inj, bounds, nil)
	cleanup := func() {
		if err := inj.Close(); err != nil {
			l.Warn("injector_close_failed", "error", err)
		}
	}
	return router, cleanup, nil
}
