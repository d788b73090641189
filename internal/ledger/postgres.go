package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS submission_records (
	asset            TEXT        NOT NULL,
	check_kind       TEXT        NOT NULL,
	fingerprint      TEXT        NOT NULL,
	state            TEXT        NOT NULL,
	remote_report_id TEXT        NOT NULL DEFAULT '',
	attempts         INTEGER     NOT NULL DEFAULT 0,
	last_error       TEXT        NOT NULL DEFAULT '',
	terminal         BOOLEAN     NOT NULL DEFAULT FALSE,
	history          JSONB       NOT NULL DEFAULT '[]',
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset, check_kind, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_submission_records_state ON submission_records(state);
`

type recordRow struct {
	Asset          string    `db:"asset"`
	CheckKind      string    `db:"check_kind"`
	Fingerprint    string    `db:"fingerprint"`
	State          string    `db:"state"`
	RemoteReportID string    `db:"remote_report_id"`
	Attempts       int       `db:"attempts"`
	LastError      string    `db:"last_error"`
	Terminal       bool      `db:"terminal"`
	History        string    `db:"history"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Postgres stores records in a single upserted table.
type Postgres struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (_ *Postgres, err error) {
	log = log.WithComponent("ledger-postgres")
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "ledger.NewPostgres", "dsn_masked", maskDSN(cfg.DSN))
	defer func() {
		log.FinishOperation(ctx, span, "ledger.NewPostgres", start, err)
	}()

	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.LogDuration(ctx, "ledger.NewPostgres", start)
	return &Postgres{db: db, logger: log}, nil
}

func (p *Postgres) Load(ctx context.Context, key types.FindingKey) (*types.SubmissionRecord, error) {
	var row recordRow
	err := p.db.GetContext(ctx, &row, `
		SELECT asset, check_kind, fingerprint, state, remote_report_id, attempts,
		       last_error, terminal, history, updated_at
		FROM submission_records
		WHERE asset = $1 AND check_kind = $2 AND fingerprint = $3`,
		key.Asset, key.CheckKind, key.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", key, err)
	}

	rec := types.SubmissionRecord{
		Key: types.FindingKey{
			Asset:       types.Asset(row.Asset),
			CheckKind:   types.CheckKind(row.CheckKind),
			Fingerprint: row.Fingerprint,
		},
		State:          types.SubmissionState(row.State),
		RemoteReportID: row.RemoteReportID,
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		Terminal:       row.Terminal,
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.History != "" {
		if err := json.Unmarshal([]byte(row.History), &rec.History); err != nil {
			return nil, fmt.Errorf("failed to decode history for %s: %w", key, err)
		}
	}
	return &rec, nil
}

func (p *Postgres) Save(ctx context.Context, rec types.SubmissionRecord) error {
	history := "[]"
	if len(rec.History) > 0 {
		data, err := json.Marshal(rec.History)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}
		history = string(data)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO submission_records
			(asset, check_kind, fingerprint, state, remote_report_id, attempts, last_error, terminal, history, updated_at)
		VALUES
			(:asset, :check_kind, :fingerprint, :state, :remote_report_id, :attempts, :last_error, :terminal, :history, :updated_at)
		ON CONFLICT (asset, check_kind, fingerprint) DO UPDATE SET
			state = EXCLUDED.state,
			remote_report_id = EXCLUDED.remote_report_id,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			terminal = EXCLUDED.terminal,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		recordRow{
			Asset:          string(rec.Key.Asset),
			CheckKind:      string(rec.Key.CheckKind),
			Fingerprint:    rec.Key.Fingerprint,
			State:          string(rec.State),
			RemoteReportID: rec.RemoteReportID,
			Attempts:       rec.Attempts,
			LastError:      rec.LastError,
			Terminal:       rec.Terminal,
			History:        history,
			UpdatedAt:      updatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// maskDSN masks credentials in a DSN for logging.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}
