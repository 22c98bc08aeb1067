package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

const (
	sessionKeyPrefix = "analysis_session:"
	maxMergeRetries  = 8
)

var _ repository.SessionStore = (*SessionStore)(nil)

// SessionStore keeps each session as one JSON value with a sliding TTL.
type SessionStore struct {
	cli *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(c *Client, ttl time.Duration) *SessionStore {
	return &SessionStore{cli: c.cli, ttl: ttl, now: time.Now}
}

func SessionKey(id string) string { return sessionKeyPrefix + id }

func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = s.now()
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.cli.SetNX(ctx, SessionKey(sess.SessionID), data, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s: %w", sess.SessionID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.cli.Get(ctx, SessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// Merge runs fn under WATCH so concurrent writers never lose each other's fields.
func (s *SessionStore) Merge(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	key := SessionKey(id)
	var out *model.Session
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.UpdatedAt = s.now()
		next, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, s.ttl)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for i := 0; i < maxMergeRetries; i++ {
		err := s.cli.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("merge session %s: too much contention", id)
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	n, err := s.cli.Del(ctx, SessionKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func decodeSession(data []byte) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
