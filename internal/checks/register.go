package checks

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Register adds every built-in check to reg: the HTTP exposure probe and one
// nuclei-backed check per templated kind.
func Register(reg *orchestrator.Registry, cfg config.ChecksConfig, log *logger.Logger) error {
	if err := reg.Register(NewExposureCheck(cfg.Exposure, log)); err != nil {
		return err
	}

	for _, kind := range []types.CheckKind{
		types.CheckXSS,
		types.CheckSQLi,
		types.CheckOpenRedirect,
		types.CheckSSRF,
		types.CheckMisconfiguration,
	} {
		c, err := NewNucleiCheck(kind, cfg.Nuclei, log)
		if err != nil {
			return err
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register %s: %w", kind, err)
		}
	}
	return nil
}
