package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

// TopicSink relays alerts to a pub/sub topic opened from a URL such as
// mem://alerts, nats://alerts, kafka://alerts or rabbit://alerts.
type TopicSink struct {
	topic *pubsub.Topic
	url   string
}

func OpenTopicSink(ctx context.Context, url string) (*TopicSink, error) {
	if url == "" {
		return nil, fmt.Errorf("topic URL is required")
	}
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open alert topic %s: %w", url, err)
	}
	return &TopicSink{topic: topic, url: url}, nil
}

func (t *TopicSink) Name() string { return "topic" }

func (t *TopicSink) Send(ctx context.Context, alert types.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	err = t.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"owner":                alert.Owner,
			"host":                 alert.Host,
			"severity":             string(alert.Severity),
			"consecutive_failures": strconv.Itoa(alert.ConsecutiveFailures),
			"occurred_at":          alert.At.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert to %s: %w", t.url, err)
	}
	return nil
}

// Close flushes pending sends and releases the topic.
func (t *TopicSink) Close(ctx context.Context) error {
	return t.topic.Shutdown(ctx)
}
