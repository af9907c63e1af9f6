package state

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Key layout shared with other implementations of the dispatch engine:
//
//	ride:request:{id}:status          ephemeral status
//	ride:request:{id}:queue           candidate queue, head = next
//	ride:request:{id}:current_driver  current offeree
//	ride:request:{id}:last_offer      last offered driver (sweeper)
//	ride:request:{id}:driver          accepted driver
//	ride:request:{id}:eta             accepted ETA in minutes
//	ride:request:{id}:responses       response log, JSON entries
//	ride:dispatch:pending             set of in-flight request ids
func requestKey(requestID, suffix string) string {
	return "ride:request:" + requestID + ":" + suffix
}

const pendingSetKey = "ride:dispatch:pending"

// casSetScript writes the key only when its current value matches ARGV[1]
// (empty string matching an absent key). This is the primary concurrency
// primitive: two workers racing to offer the same request resolve here.
var casSetScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var casDelScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) InitDispatch(ctx context.Context, requestID string, ttl time.Duration) error {
	return r.SetStatus(ctx, requestID, models.StatusPending, ttl)
}

func (r *RedisStore) SetStatus(ctx context.Context, requestID string, status models.Status, ttl time.Duration) error {
	return r.client.Set(ctx, requestKey(requestID, "status"), string(status), ttl).Err()
}

func (r *RedisStore) Status(ctx context.Context, requestID string) (models.Status, error) {
	v, err := r.client.Get(ctx, requestKey(requestID, "status")).Result()
	if errors.Is(err, redis.Nil) {
		return models.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return models.Status(v), nil
}

func (r *RedisStore) SeedQueue(ctx context.Context, requestID string, driverIDs []string, ttl time.Duration) (int, error) {
	key := requestKey(requestID, "queue")
	if len(driverIDs) == 0 {
		return 0, nil
	}
	vals := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		vals[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pushed := pipe.RPush(ctx, key, vals...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(pushed.Val()), nil
}

func (r *RedisStore) PopNext(ctx context.Context, requestID string) (string, error) {
	v, err := r.client.LPop(ctx, requestKey(requestID, "queue")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisStore) DropQueue(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, requestKey(requestID, "queue")).Err()
}

func (r *RedisStore) SetCurrentOfferee(ctx context.Context, requestID, expected, driverID string, ttl time.Duration) (bool, error) {
	n, err := casSetScript.Run(ctx, r.client,
		[]string{requestKey(requestID, "current_driver")},
		expected, driverID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) CurrentOfferee(ctx context.Context, requestID string) (string, error) {
	v, err := r.client.Get(ctx, requestKey(requestID, "current_driver")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisStore) ClearCurrentOfferee(ctx context.Context, requestID, expected string) (bool, error) {
	n, err := casDelScript.Run(ctx, r.client,
		[]string{requestKey(requestID, "current_driver")}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) SetLastOffer(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	return r.client.Set(ctx, requestKey(requestID, "last_offer"), driverID, ttl).Err()
}

func (r *RedisStore) LastOffer(ctx context.Context, requestID string) (string, error) {
	v, err := r.client.Get(ctx, requestKey(requestID, "last_offer")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisStore) SetAssignedDriver(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	return r.client.Set(ctx, requestKey(requestID, "driver"), driverID, ttl).Err()
}

func (r *RedisStore) AssignedDriver(ctx context.Context, requestID string) (string, error) {
	v, err := r.client.Get(ctx, requestKey(requestID, "driver")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisStore) SetETA(ctx context.Context, requestID string, minutes int, ttl time.Duration) error {
	return r.client.Set(ctx, requestKey(requestID, "eta"), itoa(minutes), ttl).Err()
}

func (r *RedisStore) ETA(ctx context.Context, requestID string) (int, bool, error) {
	v, err := r.client.Get(ctx, requestKey(requestID, "eta")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return atoi(v), true, nil
}

func (r *RedisStore) AppendResponse(ctx context.Context, requestID string, entry models.ResponseEntry, ttl time.Duration) error {
	raw, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	key := requestKey(requestID, "responses")
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Responses(ctx context.Context, requestID string) ([]models.ResponseEntry, error) {
	raws, err := r.client.LRange(ctx, requestKey(requestID, "responses"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ResponseEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := unmarshalEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) MarkTimeoutOnce(ctx context.Context, requestID, driverID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, requestKey(requestID, "timeout:"+driverID), "1", ttl).Result()
}

func (r *RedisStore) DeleteDispatchEphemera(ctx context.Context, requestID string) error {
	return r.client.Del(ctx,
		requestKey(requestID, "queue"),
		requestKey(requestID, "current_driver"),
		requestKey(requestID, "last_offer"),
	).Err()
}

func (r *RedisStore) AddPending(ctx context.Context, requestID string) error {
	return r.client.SAdd(ctx, pendingSetKey, requestID).Err()
}

func (r *RedisStore) RemovePending(ctx context.Context, requestID string) error {
	return r.client.SRem(ctx, pendingSetKey, requestID).Err()
}

func (r *RedisStore) PendingRequests(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, pendingSetKey).Result()
}
