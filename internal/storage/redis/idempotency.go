// Package redis implements the Redis-backed idempotency store.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
)

var _ idempotency.Store = (*IdempotencyStore)(nil)

const defaultKeyPrefix = "sync:processed:"

// IdempotencyStore keeps processed-order records as Redis strings. A claim
// lives for the lease, so abandoned claims expire on their own. Finished
// records are kept for the retention period.
type IdempotencyStore struct {
	rdb       goredis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewIdempotencyStore creates a store. A zero retention keeps finished
// records forever.
func NewIdempotencyStore(rdb goredis.UniversalClient, keyPrefix string, retention time.Duration) *IdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &IdempotencyStore{rdb: rdb, keyPrefix: keyPrefix, retention: retention}
}

func (s *IdempotencyStore) key(k idempotency.Key) string {
	return s.keyPrefix + k.TenantID + ":" + k.OrderID
}

// claimScript sets the record unless another owner holds it or it is
// finished. It returns the current record when the claim fails.
var claimScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local r = cjson.decode(v)
  if r['status'] ~= 'processing' or r['owner'] ~= ARGV[2] then
    return v
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false`)

func (s *IdempotencyStore) Claim(ctx context.Context, key idempotency.Key, owner string, now, staleBefore time.Time) (bool, *idempotency.Record, error) {
	data := encodeRecord(&idempotency.Record{Status: idempotency.StatusProcessing, Owner: owner, ClaimedAt: now})
	lease := now.Sub(staleBefore)

	current, err := claimScript.Run(ctx, s.rdb, []string{s.key(key)}, data, owner, lease.Milliseconds()).Text()
	if errors.Is(err, goredis.Nil) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "claim order %s", key)
	}

	rec, err := decodeRecord([]byte(current))
	if err != nil {
		return false, nil, errors.Wrapf(err, "decode order %s", key)
	}
	rec.Key = key
	return false, rec, nil
}

func (s *IdempotencyStore) Finish(ctx context.Context, key idempotency.Key, status idempotency.Status, message string, now time.Time) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	current.Status = status
	current.Message = message
	current.CompletedAt = &now

	// A zero expiration on SET removes the lease TTL.
	ok, err := s.rdb.SetXX(ctx, s.key(key), encodeRecord(current), s.retention).Result()
	if err != nil {
		return errors.Wrapf(err, "finish order %s", key)
	}
	if !ok {
		return idempotency.ErrNotFound
	}
	return nil
}

// releaseScript deletes the key only while owner still holds it.
var releaseScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local r = cjson.decode(v)
if r['status'] == 'processing' and r['owner'] == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

func (s *IdempotencyStore) Release(ctx context.Context, key idempotency.Key, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(key)}, owner).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return errors.Wrapf(err, "release order %s", key)
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, idempotency.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", key)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode order %s", key)
	}
	rec.Key = key
	return rec, nil
}

func encodeRecord(r *idempotency.Record) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("status")
	e.Str(string(r.Status))
	if r.Message != "" {
		e.FieldStart("message")
		e.Str(r.Message)
	}
	e.FieldStart("owner")
	e.Str(r.Owner)
	e.FieldStart("claimed_at")
	e.Str(r.ClaimedAt.UTC().Format(time.RFC3339Nano))
	if r.CompletedAt != nil {
		e.FieldStart("completed_at")
		e.Str(r.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

func decodeRecord(data []byte) (*idempotency.Record, error) {
	var r idempotency.Record
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			r.Status = idempotency.Status(v)
			return err
		case "message":
			v, err := d.Str()
			r.Message = v
			return err
		case "owner":
			v, err := d.Str()
			r.Owner = v
			return err
		case "claimed_at":
			t, err := decodeTime(d)
			r.ClaimedAt = t
			return err
		case "completed_at":
			if d.Next() == jx.Null {
				return d.Null()
			}
			t, err := decodeTime(d)
			r.CompletedAt = &t
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	v, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}
