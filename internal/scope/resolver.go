// Package scope obtains the authoritative in-scope assets for a program.
package scope

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/session"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Resolver logs in and enumerates scope through the guarded session.
// It never retries: a failed login surfaces immediately.
type Resolver struct {
	guard  *session.Guard
	creds  core.Credentials
	logger *logger.Logger
}

func NewResolver(guard *session.Guard, creds core.Credentials, log *logger.Logger) *Resolver {
	return &Resolver{
		guard:  guard,
		creds:  creds,
		logger: log.WithComponent("scope-resolver"),
	}
}

// ResolveScope returns the deduplicated scope for program.
func (r *Resolver) ResolveScope(ctx context.Context, program types.Program) (scope *types.Scope, err error) {
	const op = "scope.ResolveScope"
	start := time.Now()
	ctx, span := r.logger.StartOperation(ctx, op, "program", program, "session", r.guard.Name())
	defer func() {
		r.logger.FinishOperation(ctx, span, op, start, err, "program", program, "scope_size", scope.Len())
	}()

	var raw []types.Asset
	err = r.guard.With(ctx, func(s core.Session) error {
		if err := s.Login(ctx, r.creds); err != nil {
			if hunterr.KindOf(err) == hunterr.KindAuthentication {
				return err
			}
			return hunterr.Authentication(op, err)
		}

		assets, err := s.ExtractScope(ctx, program)
		if err != nil {
			// An expired session during enumeration is still an authentication problem.
			if hunterr.KindOf(err) == hunterr.KindAuthentication {
				return err
			}
			return hunterr.ScopeExtraction(op, err)
		}
		raw = assets
		return nil
	})
	if err != nil {
		if hunterr.KindOf(err) == hunterr.KindUnknown {
			// Acquiring the session failed, usually because ctx ended.
			err = hunterr.Cancelled(op, err)
		}
		return nil, err
	}

	scope = types.NewScope(raw...)
	if dropped := len(raw) - scope.Len(); dropped > 0 {
		r.logger.Debugw("Dropped duplicate or empty assets", "program", program, "dropped", dropped)
	}
	if scope.Len() == 0 {
		return scope, hunterr.EmptyScope(op, string(program))
	}

	r.logger.Infow("Scope resolved", "program", program, "assets", scope.Len())
	return scope, nil
}
