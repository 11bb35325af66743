package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// Notification is the JSON payload published for result and run events.
type Notification struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	TS      time.Time `json:"ts"`
	TaskID  string    `json:"task_id,omitempty"`
	URL     string    `json:"url,omitempty"`
	Links   []string  `json:"links,omitempty"`
	Image   string    `json:"image,omitempty"`
	Elapsed float64   `json:"elapsed_seconds,omitempty"`
	Note    string    `json:"note,omitempty"`
}

// PublisherSink announces crawl results, render results and run completion on a topic.
// Task lifecycle events are not published.
type PublisherSink struct {
	pub    rendler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink. An empty topic defers to the publisher's default.
func NewPublisherSink(pub rendler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one message per result or run event.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage.IsTask() {
			continue
		}
		msg := Notification{
			RunID:  evt.RunUUID().String(),
			Stage:  string(evt.Stage),
			TS:     evt.TS.UTC(),
			TaskID: evt.TaskID,
			URL:    evt.URL,
			Links:  evt.Links,
			Image:  evt.Image,
			Note:   evt.Note,
		}
		if evt.Dur > 0 {
			msg.Elapsed = evt.Dur.Seconds()
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish %s: %w", evt.Stage, err)
		}
		s.logger.Debug("published progress notification", zap.String("stage", msg.Stage), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
