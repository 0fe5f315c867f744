package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// PostgresOptions configures the Postgres sink.
type PostgresOptions struct {
	// DSN must not be logged; it contains secrets.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (o PostgresOptions) withDefaults() PostgresOptions {
	out := o
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 25
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// PostgresSink persists transitions and campaign counters in Postgres.
// Transitions upsert on (call_id, new_state); counter movements dedupe on
// the caller-supplied token, so replays are harmless.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens a pooled connection and prepares the tables.
func NewPostgresSink(ctx context.Context, opts PostgresOptions) (*PostgresSink, error) {
	opts = opts.withDefaults()
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresSink{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_transitions (
			call_id     text NOT NULL,
			new_state   text NOT NULL,
			old_state   text NOT NULL,
			campaign_id text,
			destination text,
			outcome     text,
			cause       text,
			cause_code  int,
			occurred_at timestamptz NOT NULL,
			PRIMARY KEY (call_id, new_state)
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_counters (
			campaign_id text NOT NULL,
			bucket      text NOT NULL,
			count       bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (campaign_id, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_counter_marks (
			token       text PRIMARY KEY,
			campaign_id text NOT NULL,
			bucket      text NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("preparing schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) PersistTransition(ctx context.Context, t call.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_transitions
			(call_id, new_state, old_state, campaign_id, destination, outcome, cause, cause_code, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id, new_state) DO NOTHING`,
		t.CallID, string(t.To), string(t.From), t.CampaignID, t.Destination,
		t.Outcome, t.Cause, t.CauseCode, t.At)
	if err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}
	return nil
}

func (s *PostgresSink) IncrementCounter(ctx context.Context, campaignID, bucket, token string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning counter tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO campaign_counter_marks (token, campaign_id, bucket)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING`,
		token, campaignID, bucket)
	if err != nil {
		return fmt.Errorf("marking counter token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already counted this logical transition.
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaign_counters (campaign_id, bucket, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (campaign_id, bucket) DO UPDATE SET count = campaign_counters.count + 1`,
		campaignID, bucket)
	if err != nil {
		return fmt.Errorf("incrementing campaign counter: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
