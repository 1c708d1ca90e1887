package alert

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SNS rejects subjects longer than this.
const maxSubjectLength = 100

// SNSSender publishes alerts to an SNS topic.
type SNSSender struct {
	client   snsiface.SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSSender creates a sender publishing to topicARN
func NewSNSSender(client snsiface.SNSAPI, topicARN string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, topicARN: topicARN, logger: logger}
}

func (s *SNSSender) Alert(ctx context.Context, subject, message string) error {
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}

	out, err := s.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	recordResult("sns", err)
	if err != nil {
		return errors.Wrapf(err, "failed to publish alert to %s", s.topicARN)
	}

	s.logger.Debug("capacity alert published",
		zap.String("topic", s.topicARN),
		zap.String("message_id", aws.StringValue(out.MessageId)))
	return nil
}
