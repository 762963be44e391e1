package modstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres stores reports and bans in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open handle. Call Migrate before first use.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema migrations. An up-to-date schema is
// not an error.
func (p *Postgres) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("modstore: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(p.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("modstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("modstore: migrate init: %w", err)
	}
	// m.Close would close p.db as well; only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("modstore: migrate up: %w", err)
	}
	return nil
}

// SaveReport inserts a report. Messages are stored as JSONB.
func (p *Postgres) SaveReport(ctx context.Context, r *Report) error {
	if err := r.Prepare(); err != nil {
		return err
	}

	var messagesJSON []byte
	if len(r.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(r.Messages)
		if err != nil {
			return fmt.Errorf("modstore: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (id, reporter_id, reported_id, reported_identity, reason, evidence, messages, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.ExecContext(ctx, query,
		r.ID,
		r.ReporterID,
		r.ReportedID,
		r.ReportedIdentity,
		r.Reason,
		r.Evidence,
		messagesJSON,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("modstore: insert report: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// SaveBan inserts a ban record.
func (p *Postgres) SaveBan(ctx context.Context, b *Ban) error {
	if err := b.Prepare(); err != nil {
		return err
	}

	var expires sql.NullTime
	if b.ExpiresAt != nil {
		expires = sql.NullTime{Time: *b.ExpiresAt, Valid: true}
	}

	const query = `
		INSERT INTO bans (identity, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := p.db.ExecContext(ctx, query, b.Identity, b.Reason, expires, b.CreatedAt); err != nil {
		return fmt.Errorf("modstore: insert ban: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// CountReports returns the number of reports filed against identity since
// the given time.
func (p *Postgres) CountReports(ctx context.Context, identity string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_identity = $1
		  AND created_at >= $2`

	var count int
	if err := p.db.QueryRowContext(ctx, query, identity, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("modstore: count reports: %w: %w", ErrUnavailable, err)
	}
	return count, nil
}

// Close closes the underlying pool.
func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}
