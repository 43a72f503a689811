package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/subscriber"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type Config struct {
	Region   string
	TopicARN string
}

// Notifier publishes the new-subscriber greeting to SNS. Best-effort:
// registration does not fail on a missed greeting.
type Notifier struct {
	api      *sns.Client
	topicARN string
}

func NewNotifier(ctx context.Context, cfg Config) (*Notifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Notifier{
		api:      sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
	}, nil
}

func (n *Notifier) NotifyNewSubscriber(ctx context.Context, s *subscriber.Subscriber) error {
	body, err := json.Marshal(map[string]string{
		"event":               "SubscriberRegistered",
		"customer_identifier": s.CustomerIdentifier,
		"product_code":        s.ProductCode,
		"contact_email":       s.ContactEmail,
		"company_name":        s.CompanyName,
	})
	if err != nil {
		return fmt.Errorf("marshal greeting: %w", err)
	}

	_, err = n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String("New marketplace subscriber"),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish greeting: %w", err)
	}
	return nil
}
