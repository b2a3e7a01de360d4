package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activePointerPrefix = "classattend:active_session:"
	sessionChanPrefix   = "classattend:session:"
)

// Redis wraps the redis client. Beyond health checks it carries two
// concerns: the faculty active-session pointer and the per-session
// change channel that live monitors subscribe to.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// SaveActiveSession persists the faculty device's current session so a
// restart can resume it. The pointer outlives any single process but
// not a stale session: 24h is far past end+grace.
func (r *Redis) SaveActiveSession(ctx context.Context, facultyID, sessionID string) error {
	return r.Client.Set(ctx, activePointerPrefix+facultyID, sessionID, 24*time.Hour).Err()
}

// LoadActiveSession returns the persisted pointer, "" when none.
func (r *Redis) LoadActiveSession(ctx context.Context, facultyID string) (string, error) {
	val, err := r.Client.Get(ctx, activePointerPrefix+facultyID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ClearActiveSession removes the pointer after the session ends.
func (r *Redis) ClearActiveSession(ctx context.Context, facultyID string) error {
	return r.Client.Del(ctx, activePointerPrefix+facultyID).Err()
}

// PublishSessionEvent pushes a change event to a session's channel.
func (r *Redis) PublishSessionEvent(ctx context.Context, sessionID string, payload []byte) error {
	return r.Client.Publish(ctx, sessionChanPrefix+sessionID, payload).Err()
}

// WatchSession subscribes to a session's change channel. The returned
// channel closes when ctx is cancelled, so a dismissed monitoring screen
// tears the subscription down instead of leaking callbacks.
func (r *Redis) WatchSession(ctx context.Context, sessionID string) (<-chan []byte, error) {
	sub := r.Client.Subscribe(ctx, sessionChanPrefix+sessionID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
