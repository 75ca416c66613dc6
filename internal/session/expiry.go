package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RunExpiryListener consumes Redis keyspace expiry notifications and
// invokes fn with the shadow copy of each expired session, then drops
// the shadow. It blocks until ctx is cancelled.
//
// Requires notify-keyspace-events to include Ex. The listener tries to
// enable it itself; when CONFIG is disallowed it warns and relies on
// the server configuration.
func (s *Store) RunExpiryListener(ctx context.Context, fn func(context.Context, *Session)) error {
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.Warn("could not enable keyspace notifications, relying on server config",
			zap.Error(err))
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", s.rdb.Options().DB)
	sub := s.rdb.PSubscribe(ctx, channel)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			key := msg.Payload
			if !strings.HasPrefix(key, keyPrefix) || strings.HasSuffix(key, ":lock") {
				continue
			}
			s.handleExpired(ctx, strings.TrimPrefix(key, keyPrefix), fn)
		}
	}
}

// handleExpired loads the shadow snapshot for an expired session and
// hands it to fn. A missing shadow means the session was deleted
// explicitly or already handled.
func (s *Store) handleExpired(ctx context.Context, id string, fn func(context.Context, *Session)) {
	data, err := s.rdb.Get(ctx, shadowPrefix+id).Bytes()
	if err == redis.Nil {
		return
	}
	if err != nil {
		s.logger.Warn("load expired session shadow failed",
			zap.String("session", id), zap.Error(err))
		return
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("decode expired session shadow failed",
			zap.String("session", id), zap.Error(err))
		return
	}
	s.rdb.Del(ctx, shadowPrefix+id)
	s.logger.Info("session expired", zap.String("session", id))
	fn(ctx, &sess)
}
