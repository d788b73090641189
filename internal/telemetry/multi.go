package telemetry

import (
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

type multi []core.Telemetry

// Multi fans every record out to each sink. Nil sinks are skipped.
func Multi(sinks ...core.Telemetry) core.Telemetry {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) RecordCheck(kind types.CheckKind, d time.Duration, err error) {
	for _, t := range m {
		t.RecordCheck(kind, d, err)
	}
}

func (m multi) RecordFinding(kind types.CheckKind, severity types.Severity) {
	for _, t := range m {
		t.RecordFinding(kind, severity)
	}
}

func (m multi) RecordSubmission(platform string, state types.SubmissionState) {
	for _, t := range m {
		t.RecordSubmission(platform, state)
	}
}

func (m multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
