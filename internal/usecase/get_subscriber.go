package usecase

import (
	"context"
	"fmt"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/subscriber"
)

type GetSubscriber struct {
	subscriberRepo subscriber.Repository
}

func NewGetSubscriber(subscriberRepo subscriber.Repository) *GetSubscriber {
	return &GetSubscriber{subscriberRepo: subscriberRepo}
}

func (uc *GetSubscriber) Execute(ctx context.Context, customerIdentifier string) (*subscriber.Subscriber, error) {
	sub, err := uc.subscriberRepo.GetByCustomerIdentifier(ctx, customerIdentifier)
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}
