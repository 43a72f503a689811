package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/billing"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/subscriber"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"

	"go.uber.org/zap"
)

// Every new subscriber gets one pending grant record so the subscription
// itself is metered through the regular pipeline.
const (
	grantDimension = "subscription"
	grantQuantity  = 1
)

// Notifier delivers the greeting for a newly registered subscriber.
type Notifier interface {
	NotifyNewSubscriber(ctx context.Context, s *subscriber.Subscriber) error
}

type RegisterSubscriber struct {
	txManager      postgres.Transactor
	resolver       billing.CustomerResolver
	subscriberRepo subscriber.Repository
	usageRepo      usage.Repository
	notifier       Notifier
	log            *zap.Logger
}

func NewRegisterSubscriber(
	txManager postgres.Transactor,
	resolver billing.CustomerResolver,
	subscriberRepo subscriber.Repository,
	usageRepo usage.Repository,
	notifier Notifier,
	log *zap.Logger,
) *RegisterSubscriber {
	return &RegisterSubscriber{
		txManager:      txManager,
		resolver:       resolver,
		subscriberRepo: subscriberRepo,
		usageRepo:      usageRepo,
		notifier:       notifier,
		log:            log,
	}
}

type RegisterSubscriberParams struct {
	RegistrationToken string `json:"registration_token"`
	ContactEmail      string `json:"contact_email"`
	ContactPerson     string `json:"contact_person"`
	CompanyName       string `json:"company_name"`
}

// Execute resolves the marketplace registration token to the buyer's
// identity, persists the subscriber, and sends the greeting. The greeting is
// best-effort: a notification failure never fails the registration.
func (uc *RegisterSubscriber) Execute(ctx context.Context, params RegisterSubscriberParams) (*subscriber.Subscriber, error) {
	if params.RegistrationToken == "" {
		return nil, fmt.Errorf("registration token is required")
	}

	customer, err := uc.resolver.ResolveCustomer(ctx, params.RegistrationToken)
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	sub := &subscriber.Subscriber{
		CustomerIdentifier:   customer.CustomerIdentifier,
		ProductCode:          customer.ProductCode,
		CustomerAWSAccountID: customer.CustomerAWSAccountID,
		ContactEmail:         params.ContactEmail,
		ContactPerson:        params.ContactPerson,
		CompanyName:          params.CompanyName,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}

	err = uc.txManager.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.subscriberRepo.Create(txCtx, sub); err != nil {
			return err
		}
		grant := &usage.Record{
			CustomerIdentifier: customer.CustomerIdentifier,
			CreateTimestamp:    time.Now().UnixMilli(),
			MeteringPending:    usage.MeteringPendingYes,
			Dimension:          grantDimension,
			Quantity:           grantQuantity,
			Status:             usage.StatusPending,
		}
		return uc.usageRepo.Create(txCtx, grant)
	})
	if err != nil {
		return nil, fmt.Errorf("persist subscriber: %w", err)
	}

	if err := uc.notifier.NotifyNewSubscriber(ctx, sub); err != nil {
		uc.log.Error("failed to send greeting",
			zap.String("customer_identifier", sub.CustomerIdentifier),
			zap.Error(err))
	}

	return sub, nil
}
