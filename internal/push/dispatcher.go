// Package push is the relay's boundary to the push-notification provider.
// The router only queues notification jobs; actual FCM delivery happens in
// the worker binary, so a slow or failing provider never stalls routing.
package push

import (
	"context"

	"github.com/suPer8Hu/chat-relay/internal/chat"
)

// Notification is one queued delivery job.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`

	// targeting: either one user, or every staff device
	UserType chat.Role `json:"user_type,omitempty"`
	UserID   uint64    `json:"user_id,omitempty"`
	AllStaff bool      `json:"all_staff,omitempty"`
}

type Dispatcher interface {
	// PushTo notifies one user's registered device.
	PushTo(ctx context.Context, role chat.Role, userID uint64, title, body string, data map[string]string) error
	// PushToAllStaff notifies every staff device, independent of live state.
	PushToAllStaff(ctx context.Context, title, body string, data map[string]string) error
}

// Publisher is what a queue backend must provide; satisfied by the rabbitmq
// store.
type Publisher interface {
	PublishNotification(ctx context.Context, n Notification) error
}

// QueueDispatcher queues notifications for the push worker.
type QueueDispatcher struct {
	pub Publisher
}

func NewQueueDispatcher(pub Publisher) *QueueDispatcher {
	return &QueueDispatcher{pub: pub}
}

func (d *QueueDispatcher) PushTo(ctx context.Context, role chat.Role, userID uint64, title, body string, data map[string]string) error {
	return d.pub.PublishNotification(ctx, Notification{
		Title:    title,
		Body:     body,
		Data:     data,
		UserType: role,
		UserID:   userID,
	})
}

func (d *QueueDispatcher) PushToAllStaff(ctx context.Context, title, body string, data map[string]string) error {
	return d.pub.PublishNotification(ctx, Notification{
		Title:    title,
		Body:     body,
		Data:     data,
		AllStaff: true,
	})
}
