package recon

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/config"
	"bitbucket.org/mmdatafocus/channelsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// Notifier delivers operator notifications. Delivery is fire and forget: a
// failed notification is logged and never fails the operation that sent it.
type Notifier interface {
	Notify(ctx context.Context, title string, body string)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}

// PubSubNotifier publishes notification events to a Pub/Sub topic consumed by
// the ops messenger bridge.
type PubSubNotifier struct {
	Topic  string
	Logger *logrus.Logger

	ensureOnce sync.Once
}

type notificationEvent struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	RunId  string `json:"runId,omitempty"`
	SentAt string `json:"sentAt"`
}

func (n *PubSubNotifier) Notify(ctx context.Context, title string, body string) {
	topic := n.Topic
	if topic == "" {
		topic = "channelsync-notifications"
	}
	n.ensureOnce.Do(func() {
		client, err := config.GetClient(ctx)
		if err != nil {
			return
		}
		_, _ = config.CreateTopicIfNotExists(client, topic)
	})
	runId, _ := utils.GetRunIdFromContext(ctx)
	_, err := config.PublishJSON(ctx, topic, notificationEvent{
		Title:  title,
		Body:   body,
		RunId:  runId,
		SentAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger := n.Logger
		if logger == nil {
			logger = config.GetLogger()
		}
		config.LogError(logger, "recon", "Notify", topic, title, err)
	}
}
