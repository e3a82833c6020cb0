package api

import (
	"github.com/mattjoyce/texgw/internal/pool"
)

// ErrorResponse is returned on errors without a client-visible diagnostic.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Pools         map[string]pool.Stats `json:"pools"`
}
