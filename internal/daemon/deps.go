// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/config"
)

// Deps contains dependencies required by the daemon Manager.
// This allows for clean dependency injection and easier testing.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Config is the daemon configuration
	Config config.Config

	// OpsHandler is the HTTP handler for the ops server (health, readiness, metrics)
	OpsHandler http.Handler
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.OpsHandler == nil {
		return ErrMissingOpsHandler
	}
	// Config validation is done by config.Validate
	return nil
}
