package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/assessly/assess-api/internal/data/pgxutil"
	"github.com/assessly/assess-api/internal/domain/model"
)

// ResultRepo provides read access to persisted assessment results. Result rows
// are written by JobRepo inside the terminal job transaction; this repository
// only serves lookups.
type ResultRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewResultRepo creates a new ResultRepo instance.
func NewResultRepo(db *sql.DB, logger *slog.Logger) *ResultRepo {
	return &ResultRepo{DB: db, logger: logger}
}

const resultColumns = `
  id,
  job_id,
  user_id,
  status,
  analysis,
  error_code,
  created_at,
  updated_at
`

// GetByID retrieves a result by its ID.
func (r *ResultRepo) GetByID(ctx context.Context, id string) (*model.Result, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrResultIDRequired
	}
	return r.getOne(ctx, `
		SELECT `+resultColumns+`
		FROM assessment_results
		WHERE id = $1
	`, id)
}

// GetByJobID retrieves the result recorded for a job.
func (r *ResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.Result, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrJobIDRequired
	}
	return r.getOne(ctx, `
		SELECT `+resultColumns+`
		FROM assessment_results
		WHERE job_id = $1
	`, jobID)
}

func (r *ResultRepo) getOne(ctx context.Context, query string, arg any) (*model.Result, error) {
	var result *model.Result
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Result])
		if err != nil {
			return err
		}
		result = collected
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// ListByUser returns a user's results, newest first.
func (r *ResultRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var results []*model.Result
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+resultColumns+`
			FROM assessment_results
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`, userID, limit, offset)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Result])
		if err != nil {
			return err
		}
		results = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list results by user: %w", err)
	}
	return results, nil
}
