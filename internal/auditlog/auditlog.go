// Package auditlog is the forensic record of every external
// virtualization-CLI invocation the VM Controller makes (spec.md §4.1,
// SPEC_FULL.md §4.9): command, argv, start/end time, exit code, keyed
// by pipeline id. It is append-only and sits beside the pipeline, not
// inside it — a failure to record never blocks a phase transition.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nullsector/detonator/internal/errx"
	"github.com/nullsector/detonator/internal/storedb"
)

var ErrQuery = fmt.Errorf("auditlog: failed to query invocations")

const schemaModule = "auditlog"

var migrations = []storedb.Migration{
	{
		Version: 1,
		Name:    "create_invocations",
		SQL: `CREATE TABLE IF NOT EXISTS invocations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pipeline_id TEXT NOT NULL,
  vm_name TEXT NOT NULL,
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL,
  exit_code INTEGER NOT NULL,
  payload BLOB NOT NULL
)`,
	},
	{
		Version: 2,
		Name:    "index_invocations_pipeline",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_invocations_pipeline ON invocations(pipeline_id)`,
	},
}

// Invocation is one virtualization-CLI call, cbor-encoded into the
// payload column so the schema never needs a migration for a new
// field the VM Controller starts recording.
type Invocation struct {
	PipelineID string    `cbor:"pipeline_id"`
	VMName     string    `cbor:"vm_name"`
	Argv       []string  `cbor:"argv"`
	StartedAt  time.Time `cbor:"started_at"`
	EndedAt    time.Time `cbor:"ended_at"`
	ExitCode   int       `cbor:"exit_code"`
	Stderr     string    `cbor:"stderr,omitempty"`
}

// Recorder appends Invocations to a local sqlite database. A nil
// *Recorder is valid and silently drops every Record call, so wiring
// the audit trail is opt-in at process start without an extra nil
// check at every call site.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if absent) the audit database at path.
func Open(path string, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     schemaModule,
		Migrations: migrations,
	})
	if err != nil {
		return nil, err
	}
	return &Recorder{db: db, log: log}, nil
}

func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record appends one Invocation. It logs and swallows its own error
// rather than returning one: the audit trail is forensic record-
// keeping, not a functional dependency of the Pipeline (SPEC_FULL.md
// §4.9).
func (r *Recorder) Record(ctx context.Context, inv Invocation) {
	if r == nil || r.db == nil {
		return
	}
	payload, err := cbor.Marshal(inv)
	if err != nil {
		r.log.Warn("auditlog: encode invocation failed", "error", err)
		return
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO invocations(pipeline_id, vm_name, started_at, ended_at, exit_code, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.PipelineID, inv.VMName, inv.StartedAt.UTC().Format(time.RFC3339Nano), inv.EndedAt.UTC().Format(time.RFC3339Nano), inv.ExitCode, payload,
	)
	if err != nil {
		r.log.Warn("auditlog: record invocation failed", "error", err)
	}
}

// ForPipeline returns every Invocation recorded for pipelineID, oldest
// first, for an analyst re-examining a run after the fact.
func (r *Recorder) ForPipeline(ctx context.Context, pipelineID string) ([]Invocation, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM invocations WHERE pipeline_id = ? ORDER BY id ASC`, pipelineID)
	if err != nil {
		return nil, errx.Wrap(ErrQuery, err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errx.Wrap(ErrQuery, err)
		}
		var inv Invocation
		if err := cbor.Unmarshal(payload, &inv); err != nil {
			return nil, errx.Wrap(ErrQuery, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
