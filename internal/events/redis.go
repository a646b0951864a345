package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const latestTTL = 24 * time.Hour

// RedisBroker shares the live channel between the API process and workers.
// The last snapshot per run is kept under a plain key so late subscribers
// and pollers read the same value.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger}
}

func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func channelKey(runID string) string { return "live:" + runID }
func latestKey(runID string) string  { return "live:" + runID + ":latest" }
func seqKey(runID string) string     { return "live:" + runID + ":seq" }

func encodeEvent(event LiveEvent) ([]byte, error) {
	return json.Marshal(event)
}

func decodeEvent(payload []byte) (LiveEvent, error) {
	var event LiveEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return LiveEvent{}, err
	}
	if event.RunID == "" || event.Type == "" {
		return LiveEvent{}, errors.New("live event missing run id or type")
	}
	if event.Type == TypeSnapshot && event.Snapshot == nil {
		return LiveEvent{}, errors.New("snapshot event without snapshot")
	}
	return event, nil
}

func (r *RedisBroker) Publish(ctx context.Context, event LiveEvent) {
	seq, err := r.client.Incr(ctx, seqKey(event.RunID)).Result()
	if err != nil {
		r.logger.Warn("live sequence failed", "run_id", event.RunID, "error", err)
	} else if err := r.client.Expire(ctx, seqKey(event.RunID), latestTTL).Err(); err != nil {
		r.logger.Warn("expire live sequence failed", "run_id", event.RunID, "error", err)
	}
	event.Seq = seq
	payload, err := encodeEvent(event)
	if err != nil {
		r.logger.Warn("encode live event failed", "run_id", event.RunID, "error", err)
		return
	}
	if event.Type == TypeSnapshot {
		if err := r.client.Set(ctx, latestKey(event.RunID), payload, latestTTL).Err(); err != nil {
			r.logger.Warn("cache latest snapshot failed", "run_id", event.RunID, "error", err)
		}
	}
	if err := r.client.Publish(ctx, channelKey(event.RunID), payload).Err(); err != nil {
		r.logger.Warn("publish live event failed", "run_id", event.RunID, "error", err)
	}
}

func (r *RedisBroker) Subscribe(ctx context.Context, runID string) <-chan LiveEvent {
	ch := make(chan LiveEvent, subscriberBuffer)
	pubsub := r.client.Subscribe(ctx, channelKey(runID))
	// Events published after Subscribe returns must be delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("confirm live subscription failed", "run_id", runID, "error", err)
	}

	go func() {
		defer close(ch)
		defer pubsub.Close()

		if latest, ok := r.Latest(ctx, runID); ok {
			ch <- latest
		}
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping malformed live event", "run_id", runID, "error", err)
					event = LiveEvent{RunID: runID, Type: TypeDegraded}
				}
				select {
				case ch <- event:
				default:
				}
			}
		}
	}()

	return ch
}

func (r *RedisBroker) Latest(ctx context.Context, runID string) (LiveEvent, bool) {
	payload, err := r.client.Get(ctx, latestKey(runID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("read latest snapshot failed", "run_id", runID, "error", err)
		}
		return LiveEvent{}, false
	}
	event, err := decodeEvent(payload)
	if err != nil {
		r.logger.Warn("cached snapshot unreadable", "run_id", runID, "error", err)
		return LiveEvent{}, false
	}
	return event, true
}

func (r *RedisBroker) Forget(ctx context.Context, runID string) {
	if err := r.client.Del(ctx, latestKey(runID), seqKey(runID)).Err(); err != nil {
		r.logger.Warn("forget live state failed", "run_id", runID, "error", err)
	}
}
