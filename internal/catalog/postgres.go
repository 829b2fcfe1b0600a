package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// Querier is the part of *pgxpool.Pool the catalog reads through.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Execer is the part of *pgxpool.Pool used to create tables.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	kind  TEXT NOT NULL CHECK (kind IN ('patch', 'sheet')),
	id    TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	data  BYTEA NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE TABLE IF NOT EXISTS phases (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	bpm      DOUBLE PRECISION NOT NULL,
	count_in INTEGER NOT NULL DEFAULT 0,
	idx      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS phase_assignments (
	phase_id TEXT NOT NULL REFERENCES phases (id) ON DELETE CASCADE,
	seat     INTEGER NOT NULL CHECK (seat >= 0),
	rnbo_id  TEXT NOT NULL DEFAULT '',
	sheet_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (phase_id, seat)
);`

// EnsureSchema creates the catalog tables if they are missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// PostgresSource loads the catalog from the tables EnsureSchema
// creates.
type PostgresSource struct {
	DB Querier
}

// Load implements Source.
func (s PostgresSource) Load(ctx context.Context) (*Catalog, error) {
	return LoadPostgres(ctx, s.DB)
}

// LoadPostgres reads every asset, phase and assignment.
func LoadPostgres(ctx context.Context, db Querier) (*Catalog, error) {
	var assets []*Asset
	rows, err := db.Query(ctx, `SELECT kind, id, label, color, data FROM assets ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("querying assets: %w", err)
	}
	for rows.Next() {
		a := &Asset{}
		var kind string
		if err := rows.Scan(&kind, &a.ID, &a.Label, &a.Color, &a.Data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning asset: %w", err)
		}
		a.Kind = protocol.Kind(kind)
		assets = append(assets, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading assets: %w", err)
	}

	byID := make(map[string]*Phase)
	var phases []*Phase
	rows, err = db.Query(ctx, `SELECT id, name, bpm, count_in, idx FROM phases ORDER BY idx, id`)
	if err != nil {
		return nil, fmt.Errorf("querying phases: %w", err)
	}
	for rows.Next() {
		p := &Phase{Assignments: make(map[protocol.Seat]protocol.Assignment)}
		if err := rows.Scan(&p.ID, &p.Name, &p.BPM, &p.CountIn, &p.Index); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning phase: %w", err)
		}
		byID[p.ID] = p
		phases = append(phases, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading phases: %w", err)
	}

	rows, err = db.Query(ctx, `SELECT phase_id, seat, rnbo_id, sheet_id FROM phase_assignments`)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			phaseID string
			seat    int
			a       protocol.Assignment
		)
		if err := rows.Scan(&phaseID, &seat, &a.PatchID, &a.SheetID); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		p, ok := byID[phaseID]
		if !ok {
			continue
		}
		p.Assignments[protocol.Seat(seat)] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading assignments: %w", err)
	}
	return New(assets, phases)
}
