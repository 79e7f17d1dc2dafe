package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/redis/go-redis/v9"
)

// Event is a voice notification as stored on the event stream.
type Event struct {
	ID       string
	GuildID  string
	Type     string
	SSRC     uint32
	Reason   string
	Speaking string
	Error    string
	At       time.Time
}

func eventValues(guildID string, n voice.Notification, at time.Time) map[string]any {
	values := map[string]any{
		"guildID": guildID,
		"type":    n.Type.String(),
		"at":      at.UTC().Format(time.RFC3339Nano),
	}
	if n.SSRC != 0 {
		values["ssrc"] = strconv.FormatUint(uint64(n.SSRC), 10)
	}
	switch n.Type {
	case voice.NotifyDisconnected:
		values["reason"] = n.Reason.String()
	case voice.NotifySpeakingChanged:
		values["speaking"] = n.Speaking.String()
	}
	if n.Err != nil {
		values["error"] = n.Err.Error()
	}
	return values
}

func eventFromValues(id string, values map[string]any) Event {
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}
	ev := Event{
		ID:       id,
		GuildID:  field("guildID"),
		Type:     field("type"),
		Reason:   field("reason"),
		Speaking: field("speaking"),
		Error:    field("error"),
	}
	if ssrc, err := strconv.ParseUint(field("ssrc"), 10, 32); err == nil {
		ev.SSRC = uint32(ssrc)
	}
	if at, err := time.Parse(time.RFC3339Nano, field("at")); err == nil {
		ev.At = at
	}
	return ev
}

// RedisEventPublisher appends voice notifications to the event stream.
type RedisEventPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

func NewRedisEventPublisher(client *redis.Client, stream string, maxLen int64) *RedisEventPublisher {
	return &RedisEventPublisher{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, guildID string, n voice.Notification) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: eventValues(guildID, n, p.now()),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", n.Type, err)
	}
	return nil
}

// ReadEvents returns events after the entry id after, waiting up to block
// for the first one. Use "0" to read from the start and "$" for only new
// events. It returns no events and no error when the wait times out.
func ReadEvents(ctx context.Context, client *redis.Client, stream, after string, block time.Duration) ([]Event, error) {
	streams, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after},
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	var events []Event
	for _, s := range streams {
		for _, msg := range s.Messages {
			events = append(events, eventFromValues(msg.ID, msg.Values))
		}
	}
	return events, nil
}
