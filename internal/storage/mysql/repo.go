package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campus_listings/internal/domain"
)

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) CreateSession(ctx context.Context, s domain.PaymentSession) error {
	if s.Reference == "" {
		return errors.New("payment session without reference")
	}
	status := s.Status
	if status == "" {
		status = domain.StatusAwaitingReturn
	}
	_, err := r.db.ExecContext(ctx, insertSessionSQL,
		s.Reference,
		s.PropertyID,
		s.ViewerID,
		string(status),
		s.AuthorizationURL,
		s.PaymentMethod,
		s.Fee,
	)
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scanSession(row scanner) (domain.PaymentSession, error) {
	var ps domain.PaymentSession
	var status string
	var method, fee sql.NullString
	if err := row.Scan(
		&ps.Reference,
		&ps.PropertyID,
		&ps.ViewerID,
		&status,
		&ps.AuthorizationURL,
		&method,
		&fee,
		&ps.CreatedAt,
		&ps.UpdatedAt,
	); err != nil {
		return domain.PaymentSession{}, err
	}
	ps.Status = domain.PaymentStatus(status)
	ps.PaymentMethod = method.String
	ps.Fee = fee.String
	return ps, nil
}

func (r *Repo) GetSession(ctx context.Context, reference string) (domain.PaymentSession, error) {
	ps, err := scanSession(r.db.QueryRowContext(ctx, getSessionSQL, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentSession{}, domain.ErrNotFound
		}
		return domain.PaymentSession{}, err
	}
	return ps, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, reference string, status domain.PaymentStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, updateStatusSQL, string(status), reference)
	if err != nil {
		return false, fmt.Errorf("update payment session %s: %w", reference, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, listStaleSQL, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentSession
	for rows.Next() {
		ps, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
