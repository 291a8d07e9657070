package notification

import (
	"errors"
	"time"
)

// Kind is the user-facing notification type.
type Kind string

const (
	KindDisconnected     Kind = "disconnected"
	KindExpiring         Kind = "expiring"
	KindConnectionFailed Kind = "connectionFailed"
)

// Notification categories
const (
	CategoryAccounts = "accounts"
	CategoryGeneral  = "general"
)

// Domain errors
var (
	ErrInvalidKind      = errors.New("invalid notification kind")
	ErrNoRecipient      = errors.New("notification recipient is required")
	ErrNoChannel        = errors.New("no notification channel accepted the message")
	ErrTemplateNotFound = errors.New("notification template not found")
)

func (k Kind) Valid() bool {
	switch k {
	case KindDisconnected, KindExpiring, KindConnectionFailed:
		return true
	}
	return false
}

// Recipient is the user a notification is addressed to.
type Recipient struct {
	UserID string
	TeamID string
	Email  string
	Name   string
}

// Request is a single notification to dispatch.
type Request struct {
	Kind      Kind
	Recipient Recipient
	Data      map[string]string
}

func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return ErrInvalidKind
	}
	if r.Recipient.UserID == "" && r.Recipient.Email == "" {
		return ErrNoRecipient
	}
	return nil
}

// EmailMessage is published to the email rendering pipeline.
type EmailMessage struct {
	Template string            `json:"template"`
	To       string            `json:"to"`
	Name     string            `json:"name"`
	TeamID   string            `json:"teamId"`
	Subject  string            `json:"subject"`
	Data     map[string]string `json:"data"`
}

// DeviceToken represents a registered FCM device token
type DeviceToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Token      string    `json:"token"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

// Notification represents a stored in-app notification record
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"-"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateNotificationParams contains parameters for storing a notification
type CreateNotificationParams struct {
	UserID   string
	Kind     Kind
	Title    string
	Message  string
	Category string
	Data     map[string]string
}

func (p CreateNotificationParams) Validate() error {
	if p.UserID == "" {
		return errors.New("user ID is required")
	}
	if p.Title == "" {
		return errors.New("notification title is required")
	}
	if p.Message == "" {
		return errors.New("notification message is required")
	}
	return nil
}
