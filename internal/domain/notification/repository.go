package notification

import "context"

// Repository defines the interface for notification data access.
type Repository interface {
	GetActiveTokensByUserID(ctx context.Context, userID string) ([]*DeviceToken, error)
	DeactivateToken(ctx context.Context, token string) error
	CreateNotification(ctx context.Context, params CreateNotificationParams) (*Notification, error)
}
