package nlquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hibiki-ai/hibiki/internal/model"
)

const (
	defaultMaxRows   = 500
	statementTimeout = 5 * time.Second
)

// translator abstracts Translate for testing.
type translator interface {
	Translate(ctx context.Context, question string) (string, error)
}

// Service runs the question → SQL → validate → execute pipeline.
type Service struct {
	translator translator
	pool       *pgxpool.Pool
	maxRows    int
	logger     *slog.Logger
}

// NewService creates the NL-query service.
func NewService(tr translator, pool *pgxpool.Pool, maxRows int, logger *slog.Logger) *Service {
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &Service{
		translator: tr,
		pool:       pool,
		maxRows:    maxRows,
		logger:     logger,
	}
}

// Answer processes one question. Validation failures are not errors: the
// result carries the rejection reason and an empty ExecutedSQL. Errors are
// reserved for infrastructure failures (translator unreachable, database
// down).
func (s *Service) Answer(ctx context.Context, question string) (*model.NLQueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return &model.NLQueryResult{Rejection: "question is empty", Rows: []map[string]any{}}, nil
	}

	candidate, err := s.translator.Translate(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("nlquery: translation failed: %w", err)
	}

	wrapped, err := Validate(candidate, s.maxRows)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			s.logger.Info("nl query rejected", "reason", vErr.Reason, "candidate", candidate)
			return &model.NLQueryResult{Rejection: vErr.Reason, Rows: []map[string]any{}}, nil
		}
		return nil, err
	}

	columns, rows, err := s.execute(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("nlquery: execute: %w", err)
	}

	return &model.NLQueryResult{
		Columns:     columns,
		Rows:        rows,
		ExecutedSQL: wrapped,
	}, nil
}

// execute runs the wrapped statement in a read-only transaction with a
// statement timeout. The read-only mode is a second line of defense behind
// the validator.
func (s *Service) execute(ctx context.Context, sql string) ([]string, []map[string]any, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds()),
	); err != nil {
		return nil, nil, fmt.Errorf("set statement timeout: %w", err)
	}

	pgRows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, nil, err
	}
	defer pgRows.Close()

	fields := pgRows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	rows := make([]map[string]any, 0)
	for pgRows.Next() {
		values, err := pgRows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		rows = append(rows, row)
	}
	if err := pgRows.Err(); err != nil {
		return nil, nil, err
	}

	return columns, rows, nil
}
