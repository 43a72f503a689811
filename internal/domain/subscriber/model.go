package subscriber

import (
	"context"
	"time"
)

// Subscriber is a registered marketplace buyer.
type Subscriber struct {
	CustomerIdentifier   string    `json:"customer_identifier"`
	ProductCode          string    `json:"product_code"`
	CustomerAWSAccountID string    `json:"customer_aws_account_id"`
	ContactEmail         string    `json:"contact_email"`
	ContactPerson        string    `json:"contact_person"`
	CompanyName          string    `json:"company_name"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type Repository interface {
	Create(ctx context.Context, s *Subscriber) error
	GetByCustomerIdentifier(ctx context.Context, customerIdentifier string) (*Subscriber, error)
}
