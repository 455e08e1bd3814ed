package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"retention-agent/internal/domain"
)

// PostgresCommandStore keeps the command queue in Postgres:
//
//	CREATE TABLE commands (
//	    id           TEXT PRIMARY KEY,
//	    kind         TEXT NOT NULL,
//	    account_id   TEXT NOT NULL DEFAULT '',
//	    payload      JSONB NOT NULL,
//	    status       TEXT NOT NULL,
//	    attempts     INT NOT NULL DEFAULT 0,
//	    claim_token  TEXT NOT NULL DEFAULT '',
//	    last_error   TEXT NOT NULL DEFAULT '',
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    claimed_at   TIMESTAMPTZ,
//	    completed_at TIMESTAMPTZ
//	);
//	CREATE INDEX commands_status_created ON commands (status, created_at);
type PostgresCommandStore struct {
	db *sql.DB
}

// NewPostgresCommandStore wraps an open database handle.
func NewPostgresCommandStore(db *sql.DB) (*PostgresCommandStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresCommandStore{db: db}, nil
}

const pqUniqueViolation = "23505"

// InsertCommand stores a new pending command; a duplicate id yields
// domain.ErrAlreadyExists.
func (p *PostgresCommandStore) InsertCommand(ctx context.Context, cmd domain.Command) error {
	if cmd.ID == "" || cmd.Kind == "" {
		return errors.New("repository: InsertCommand: id and kind are required")
	}
	const query = `INSERT INTO commands (id, kind, account_id, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5)`
	_, err := p.db.ExecContext(ctx, query, cmd.ID, string(cmd.Kind), cmd.AccountID, []byte(cmd.Payload), cmd.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("repository: InsertCommand %s: %w", cmd.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("repository: InsertCommand: %w", err)
	}
	return nil
}

// claimQuery selects and claims in one statement; SKIP LOCKED keeps
// concurrent claimers from blocking on, or returning, the same rows.
const claimQuery = `UPDATE commands SET status = 'claimed', attempts = attempts + 1, claim_token = $2, claimed_at = $3
	WHERE id IN (
		SELECT id FROM commands
		WHERE status = 'pending' OR (status = 'claimed' AND claimed_at < $4)
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, kind, account_id, payload, status, attempts, claim_token, last_error, created_at, claimed_at`

// ClaimCommands claims up to limit pending (or lease-expired) commands,
// oldest first, incrementing each one's attempt count.
func (p *PostgresCommandStore) ClaimCommands(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.Command, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-lease).UTC()
	if lease <= 0 {
		cutoff = time.Time{}
	}
	rows, err := p.db.QueryContext(ctx, claimQuery, limit, uuid.NewString(), now.UTC(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("repository: ClaimCommands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []domain.Command
	for rows.Next() {
		var (
			cmd       domain.Command
			kind      string
			status    string
			payload   []byte
			claimedAt sql.NullTime
		)
		if err := rows.Scan(&cmd.ID, &kind, &cmd.AccountID, &payload, &status, &cmd.Attempts, &cmd.ClaimToken, &cmd.LastError, &cmd.CreatedAt, &claimedAt); err != nil {
			return nil, fmt.Errorf("repository: ClaimCommands scan: %w", err)
		}
		cmd.Kind = domain.CommandKind(kind)
		cmd.Status = domain.CommandStatus(status)
		cmd.Payload = payload
		if claimedAt.Valid {
			t := claimedAt.Time
			cmd.ClaimedAt = &t
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ClaimCommands rows: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sortCommandsByAge(cmds)
	return cmds, nil
}

// CompleteCommand marks a claimed command completed.
func (p *PostgresCommandStore) CompleteCommand(ctx context.Context, cmd domain.Command, now time.Time) error {
	const query = `UPDATE commands SET status = 'completed', claim_token = '', completed_at = $3, attempts = $4
		WHERE id = $1 AND status = 'claimed' AND claim_token = $2`
	return p.resolve(ctx, "CompleteCommand", query, cmd.ID, cmd.ClaimToken, now.UTC(), cmd.Attempts)
}

// ReleaseCommand returns a claimed command to pending for retry.
func (p *PostgresCommandStore) ReleaseCommand(ctx context.Context, cmd domain.Command, lastErr string, _ time.Time) error {
	const query = `UPDATE commands SET status = 'pending', claim_token = '', last_error = $3, attempts = $4
		WHERE id = $1 AND status = 'claimed' AND claim_token = $2`
	return p.resolve(ctx, "ReleaseCommand", query, cmd.ID, cmd.ClaimToken, lastErr, cmd.Attempts)
}

// DeadLetterCommand moves a claimed command to dead_letter.
func (p *PostgresCommandStore) DeadLetterCommand(ctx context.Context, cmd domain.Command, lastErr string, now time.Time) error {
	const query = `UPDATE commands SET status = 'dead_letter', claim_token = '', last_error = $3, attempts = $4, completed_at = $5
		WHERE id = $1 AND status = 'claimed' AND claim_token = $2`
	return p.resolve(ctx, "DeadLetterCommand", query, cmd.ID, cmd.ClaimToken, lastErr, cmd.Attempts, now.UTC())
}

func (p *PostgresCommandStore) resolve(ctx context.Context, op, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: %s rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("repository: %s %v: %w", op, args[0], domain.ErrConflict)
	}
	return nil
}
