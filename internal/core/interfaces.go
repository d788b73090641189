package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Credentials are opaque secrets handed to a Session at login.
type Credentials struct {
	Username string
	Secret   string
}

// Session is the authenticated connection to a bounty platform. It is an
// exclusive resource; callers serialize access through session.Guard.
type Session interface {
	Name() string
	Login(ctx context.Context, creds Credentials) error
	ExtractScope(ctx context.Context, program types.Program) ([]types.Asset, error)
}

// Check detects one vulnerability class. Run returns nil, nil when the asset is clean.
type Check interface {
	Kind() types.CheckKind
	Run(ctx context.Context, target types.Asset) (*types.Finding, error)
}

// Platform submits reports. A non-nil error means the call may be retried;
// rejections and duplicates are reported through the outcome.
type Platform interface {
	Name() string
	SubmitReport(ctx context.Context, finding types.Finding) (*types.SubmitOutcome, error)
}

// Ledger persists submission records across runs. Load returns nil, nil for
// an unknown key.
type Ledger interface {
	Load(ctx context.Context, key types.FindingKey) (*types.SubmissionRecord, error)
	Save(ctx context.Context, record types.SubmissionRecord) error
	Close() error
}

// SecretSource supplies credentials at process start.
type SecretSource interface {
	Credentials(platform string) (Credentials, error)
}

type Telemetry interface {
	RecordCheck(kind types.CheckKind, duration time.Duration, err error)
	RecordFinding(kind types.CheckKind, severity types.Severity)
	RecordSubmission(platform string, state types.SubmissionState)
	Close() error
}
