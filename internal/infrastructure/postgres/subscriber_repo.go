package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/subscriber"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSubscriberNotFound = errors.New("subscriber not found")

type SubscriberRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriberRepository(pool *pgxpool.Pool) *SubscriberRepository {
	return &SubscriberRepository{pool: pool}
}

func (r *SubscriberRepository) Create(ctx context.Context, s *subscriber.Subscriber) error {
	const sql = `
		INSERT INTO subscribers (
			customer_identifier, product_code, customer_aws_account_id,
			contact_email, contact_person, company_name, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql,
		s.CustomerIdentifier, s.ProductCode, s.CustomerAWSAccountID,
		nullIfEmpty(s.ContactEmail), nullIfEmpty(s.ContactPerson), nullIfEmpty(s.CompanyName))
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}

	return nil
}

func (r *SubscriberRepository) GetByCustomerIdentifier(ctx context.Context, customerIdentifier string) (*subscriber.Subscriber, error) {
	const sql = `
		SELECT
			customer_identifier, product_code, customer_aws_account_id,
			COALESCE(contact_email, ''),
			COALESCE(contact_person, ''),
			COALESCE(company_name, ''),
			created_at, updated_at
		FROM subscribers
		WHERE customer_identifier = $1
	`

	var s subscriber.Subscriber
	err := r.pool.QueryRow(ctx, sql, customerIdentifier).Scan(
		&s.CustomerIdentifier, &s.ProductCode, &s.CustomerAWSAccountID,
		&s.ContactEmail, &s.ContactPerson, &s.CompanyName,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}

	return &s, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
