package notification

import "context"

// Messenger defines the interface for sending push notifications.
// Implemented by the Firebase FCM client in the infrastructure layer.
type Messenger interface {
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

// EmailQueue hands email requests to the out-of-process renderer.
// Implemented by the Pub/Sub publisher in the infrastructure layer.
type EmailQueue interface {
	PublishEmail(ctx context.Context, msg EmailMessage) error
}

// Dispatcher is the fire-and-forget notification capability used by the
// sync pipeline.
type Dispatcher interface {
	Send(ctx context.Context, req Request) error
}
