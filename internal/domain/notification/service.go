package notification

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"finsync/internal/shared/logging"
	"finsync/internal/shared/messages"
)

// Service implements Dispatcher over email, push and the stored in-app record.
type Service struct {
	repo      Repository
	messenger Messenger
	email     EmailQueue
	templates *messages.Messages
	log       *logrus.Entry
}

var _ Dispatcher = (*Service)(nil)

// NewService creates a notification service. messenger and email may be nil
// when the corresponding channel is not configured.
func NewService(repo Repository, messenger Messenger, email EmailQueue, templates *messages.Messages) *Service {
	if templates == nil {
		templates = messages.Default()
	}
	return &Service{
		repo:      repo,
		messenger: messenger,
		email:     email,
		templates: templates,
		log:       logging.WithComponent("notification"),
	}
}

// Send delivers req on every configured channel. It fails only when no
// channel accepted the message, so callers can keep cooldown state honest.
func (s *Service) Send(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	text, ok := s.templates.For(string(req.Kind))
	if !ok {
		return ErrTemplateNotFound
	}
	title := text.RenderTitle(req.Data)
	body := text.RenderBody(req.Data)

	data := make(map[string]string, len(req.Data)+2)
	for k, v := range req.Data {
		data[k] = v
	}
	data["kind"] = string(req.Kind)
	if _, ok := data["route"]; !ok {
		data["route"] = CategoryAccounts
	}

	log := s.log.WithFields(logrus.Fields{"kind": req.Kind, "user_id": req.Recipient.UserID})
	delivered := 0
	var errs []error

	if s.email != nil && req.Recipient.Email != "" {
		err := s.email.PublishEmail(ctx, EmailMessage{
			Template: string(req.Kind),
			To:       req.Recipient.Email,
			Name:     req.Recipient.Name,
			TeamID:   req.Recipient.TeamID,
			Subject:  title,
			Data:     data,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to publish notification email")
			errs = append(errs, err)
		} else {
			delivered++
		}
	}

	if req.Recipient.UserID != "" {
		if s.messenger != nil {
			if err := s.push(ctx, req.Recipient.UserID, title, body, data); err != nil {
				log.WithError(err).Warn("Failed to send push notification")
				errs = append(errs, err)
			}
		}

		_, err := s.repo.CreateNotification(ctx, CreateNotificationParams{
			UserID:   req.Recipient.UserID,
			Kind:     req.Kind,
			Title:    title,
			Message:  body,
			Category: CategoryAccounts,
			Data:     data,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to store notification")
			errs = append(errs, err)
		} else {
			delivered++
		}
	}

	if delivered == 0 {
		return errors.Join(append([]error{ErrNoChannel}, errs...)...)
	}
	return nil
}

func (s *Service) push(ctx context.Context, userID, title, body string, data map[string]string) error {
	tokens, err := s.repo.GetActiveTokensByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}
	return s.messenger.SendMulticast(ctx, tokenStrings, title, body, data)
}

// DeactivateToken is handed to the FCM client to retire dead tokens.
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	return s.repo.DeactivateToken(ctx, token)
}
