// Package ledger persists submission records so a finding settled in one
// mission is not resubmitted by the next.
package ledger

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
)

// New opens the backend named by cfg.Ledger.Backend.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Database, log)
	case "redis":
		return NewRedis(ctx, cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}
