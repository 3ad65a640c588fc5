package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optcore/internal/domain/entity/regime"
	"optcore/internal/domain/interfaces"

	"github.com/redis/go-redis/v9"
)

// ErrNoSnapshot is returned by Latest when nothing was published yet.
var ErrNoSnapshot = errors.New("no regime snapshot published")

// RegimePublisher stores the latest regime snapshot under a key and announces
// it on a pub/sub channel for out-of-process consumers.
type RegimePublisher struct {
	client  redis.UniversalClient
	key     string
	channel string
	ttl     time.Duration
}

var _ interfaces.RegimePublisher = (*RegimePublisher)(nil)

// NewRegimePublisher builds a publisher. A zero ttl keeps the key forever.
func NewRegimePublisher(client redis.UniversalClient, key, channel string, ttl time.Duration) *RegimePublisher {
	return &RegimePublisher{client: client, key: key, channel: channel, ttl: ttl}
}

func (p *RegimePublisher) PublishRegime(ctx context.Context, snap regime.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal regime snapshot: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.key, payload, p.ttl)
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish regime v%d: %w", snap.Version, err)
	}
	return nil
}

// Latest reads back the stored snapshot.
func (p *RegimePublisher) Latest(ctx context.Context) (regime.Snapshot, error) {
	var snap regime.Snapshot
	raw, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snap, ErrNoSnapshot
		}
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode regime snapshot: %w", err)
	}
	return snap, nil
}

// Subscribe streams snapshots published on the channel until ctx ends.
func (p *RegimePublisher) Subscribe(ctx context.Context) <-chan regime.Snapshot {
	out := make(chan regime.Snapshot, 8)
	sub := p.client.Subscribe(ctx, p.channel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var snap regime.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
