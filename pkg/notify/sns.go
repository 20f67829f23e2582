package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSConfig configures the SNS transport.
type SNSConfig struct {
	// TopicARN is the notification topic (required).
	TopicARN string `mapstructure:"topic_arn" yaml:"topic_arn"`

	Region  string `mapstructure:"region" yaml:"region"`
	Profile string `mapstructure:"profile" yaml:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// Validate checks required fields and credential pairing.
func (c *SNSConfig) Validate() error {
	if strings.TrimSpace(c.TopicARN) == "" {
		return fmt.Errorf("sns config: topic_arn is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("sns config: access key id and secret must be provided together")
	}
	return nil
}

// SNSTransport implements Transport on AWS SNS.
type SNSTransport struct {
	client   *sns.Client
	topicARN string
}

var _ Transport = (*SNSTransport)(nil)

// NewSNSTransport builds an SNS transport with the default credential
// chain unless explicit credentials are configured.
func NewSNSTransport(ctx context.Context, cfg SNSConfig) (*SNSTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSTransport{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
	}, nil
}

// Publish sends the message with job_id and username message
// attributes. job_id rides as a String attribute: the Number type tops
// out below twelve digits.
func (t *SNSTransport) Publish(ctx context.Context, subject, body string, jobID int64, username string) (string, error) {
	out, err := t.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(t.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatInt(jobID, 10)),
			},
			"username": {
				DataType:    aws.String("String"),
				StringValue: aws.String(username),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sns publish: %w", err)
	}

	receipt, err := json.Marshal(map[string]string{
		"MessageId": aws.ToString(out.MessageId),
	})
	if err != nil {
		return "", fmt.Errorf("encode sns receipt: %w", err)
	}
	return string(receipt), nil
}

// Subscribe registers an email endpoint on the topic. A non-empty
// usernameFilter becomes a message-attribute filter policy so the
// endpoint only receives messages for those usernames.
func (t *SNSTransport) Subscribe(ctx context.Context, email string, usernameFilter []string) (string, error) {
	input := &sns.SubscribeInput{
		TopicArn:              aws.String(t.topicARN),
		Protocol:              aws.String("email"),
		Endpoint:              aws.String(email),
		ReturnSubscriptionArn: true,
	}

	if len(usernameFilter) > 0 {
		normalized := make([]string, 0, len(usernameFilter))
		for _, u := range usernameFilter {
			normalized = append(normalized, strings.ToLower(strings.TrimSpace(u)))
		}
		policy, err := json.Marshal(map[string][]string{"username": normalized})
		if err != nil {
			return "", fmt.Errorf("encode filter policy: %w", err)
		}
		input.Attributes = map[string]string{
			"FilterPolicy":      string(policy),
			"FilterPolicyScope": "MessageAttributes",
		}
	}

	out, err := t.client.Subscribe(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns subscribe: %w", err)
	}
	return aws.ToString(out.SubscriptionArn), nil
}

// Unsubscribe removes a subscription by ARN.
func (t *SNSTransport) Unsubscribe(ctx context.Context, subscriptionARN string) error {
	_, err := t.client.Unsubscribe(ctx, &sns.UnsubscribeInput{
		SubscriptionArn: aws.String(subscriptionARN),
	})
	if err != nil {
		return fmt.Errorf("sns unsubscribe: %w", err)
	}
	return nil
}
