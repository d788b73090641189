package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
)

const envPrefix = "CHIMERA_"

// Env reads CHIMERA_<PLATFORM>_USERNAME and CHIMERA_<PLATFORM>_TOKEN.
type Env struct {
	Getenv func(string) string
}

func NewEnv() Env {
	return Env{Getenv: os.Getenv}
}

// EnvName is the variable prefix for a platform, e.g. CHIMERA_HACKERONE.
func EnvName(platform string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(normalize(platform), "-", "_"))
}

func (e Env) Credentials(platform string) (core.Credentials, error) {
	name := EnvName(platform)
	creds := core.Credentials{
		Username: e.Getenv(name + "_USERNAME"),
		Secret:   e.Getenv(name + "_TOKEN"),
	}
	if creds.Secret == "" {
		return core.Credentials{}, fmt.Errorf("%w for platform %q (%s_TOKEN is unset)", ErrNotFound, platform, name)
	}
	return creds, nil
}

// Static serves credentials fixed at startup, e.g. from the config file.
type Static map[string]core.Credentials

func (s Static) Credentials(platform string) (core.Credentials, error) {
	c, ok := s[normalize(platform)]
	if !ok || c.Secret == "" {
		return core.Credentials{}, fmt.Errorf("%w for platform %q", ErrNotFound, platform)
	}
	return c, nil
}

type chain []core.SecretSource

// Chain asks each source in turn and returns the first credentials found.
// Errors other than ErrNotFound stop the search.
func Chain(sources ...core.SecretSource) core.SecretSource {
	return chain(sources)
}

func (c chain) Credentials(platform string) (core.Credentials, error) {
	for _, src := range c {
		creds, err := src.Credentials(platform)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return core.Credentials{}, err
		}
	}
	return core.Credentials{}, fmt.Errorf("%w for platform %q", ErrNotFound, platform)
}
