package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes warning escalations to an SNS topic.
type SNSNotifier struct {
	svc      snsAPI
	topicArn string
	log      zerolog.Logger
}

var (
	_ engine.Notifier      = (*SNSNotifier)(nil)
	_ engine.BatchNotifier = (*SNSNotifier)(nil)
)

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return newSNSNotifier(sns.NewFromConfig(cfg), topicArn)
}

func newSNSNotifier(svc snsAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		svc:      svc,
		topicArn: topicArn,
		log:      log.With().Str("component", "sns").Logger(),
	}
}

// SendAlert publishes one message to the topic.
func (c *SNSNotifier) SendAlert(ctx context.Context, subject, message string) error {
	out, err := c.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(c.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	c.log.Debug().Str("message_id", aws.ToString(out.MessageId)).Msg("alert sent")
	return nil
}

func (c *SNSNotifier) WarningEscalated(ctx context.Context, ev engine.WarningEvent) error {
	subject, message := warningAlert(ev)
	return c.SendAlert(ctx, subject, message)
}

// SendBatchAlerts folds several escalations into a single notification.
func (c *SNSNotifier) SendBatchAlerts(ctx context.Context, events []engine.WarningEvent) error {
	if len(events) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("Tenant warning escalations:\n\n")
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. %s on %s: %s -> %s (%d violations)\n", i+1, ev.TenantID, ev.HubID, ev.From, ev.To, ev.Violations)
	}
	return c.SendAlert(ctx, fmt.Sprintf("Energy Hub: %d warning escalations", len(events)), b.String())
}

func warningAlert(ev engine.WarningEvent) (string, string) {
	subject := fmt.Sprintf("Energy Hub Alert: tenant %s at %s warning", ev.TenantID, ev.To)
	message := fmt.Sprintf(
		"Compliance Warning Escalated\n\n"+
			"Hub: %s\n"+
			"Tenant: %s\n"+
			"Level: %s -> %s\n"+
			"Violations in window: %d\n"+
			"Time: %s\n",
		ev.HubID, ev.TenantID, ev.From, ev.To, ev.Violations, ev.At.Format(time.RFC3339),
	)
	return subject, message
}
