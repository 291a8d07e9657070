// Package pubsub publishes email requests to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"finsync/internal/domain/notification"
	"finsync/internal/shared/logging"
)

const publishTimeout = 30 * time.Second

// topic is the part of *pubsub.Topic the publisher needs.
type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type gcpTopic struct {
	t *pubsub.Topic
}

func (g gcpTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return g.t.Publish(ctx, msg)
}

// EmailPublisher implements notification.EmailQueue.
type EmailPublisher struct {
	client *pubsub.Client
	topic  topic
}

var _ notification.EmailQueue = (*EmailPublisher)(nil)

// NewEmailPublisher uses Application Default Credentials unless
// credentialsJSON is set. When createTopic is true a missing topic is created.
func NewEmailPublisher(ctx context.Context, projectID, topicName, credentialsJSON string, createTopic bool) (*EmailPublisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if topicName == "" {
		return nil, errors.New("pubsub topic is required")
	}

	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	t := client.Topic(topicName)
	if createTopic {
		exists, err := t.Exists(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to check topic %q: %w", topicName, err)
		}
		if !exists {
			if t, err = client.CreateTopic(ctx, topicName); err != nil {
				client.Close()
				return nil, fmt.Errorf("create topic %q: %w", topicName, err)
			}
		}
	}

	logging.WithComponent("pubsub").WithFields(logrus.Fields{
		"project_id": projectID,
		"topic":      topicName,
	}).Info("Email publisher ready")

	return &EmailPublisher{client: client, topic: gcpTopic{t: t}}, nil
}

// PublishEmail waits for the server to acknowledge the message.
func (p *EmailPublisher) PublishEmail(ctx context.Context, msg notification.EmailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode email message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"template": msg.Template,
			"team_id":  msg.TeamID,
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish %s email: %w", msg.Template, err)
	}

	logging.WithComponent("pubsub").WithFields(logrus.Fields{
		"message_id": id,
		"template":   msg.Template,
		"team_id":    msg.TeamID,
	}).Debug("Email request published")
	return nil
}

// Close stops the topic's publish goroutines and the client.
func (p *EmailPublisher) Close() error {
	if g, ok := p.topic.(gcpTopic); ok {
		g.t.Stop()
	}
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
