package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on a Redis GEO set plus per-driver last-seen
// keys. The last-seen key carries the liveness TTL, so a driver that stops
// heartbeating goes stale by expiry alone; Nearest prunes the geo member
// when it notices the key is gone.
type RedisIndex struct {
	client      *redis.Client
	geoKey      string
	livenessTTL time.Duration
}

func NewRedisIndex(client *redis.Client, geoKey string, livenessTTL time.Duration) *RedisIndex {
	return &RedisIndex{client: client, geoKey: geoKey, livenessTTL: livenessTTL}
}

func geoMember(driverID string) string { return "driver:" + driverID }

func lastSeenKey(driverID string) string { return "driver:last_seen:" + driverID }

func driverFromMember(member string) string {
	const prefix = "driver:"
	if len(member) > len(prefix) && member[:len(prefix)] == prefix {
		return member[len(prefix):]
	}
	return member
}

func (r *RedisIndex) Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error {
	if t.IsZero() {
		t = time.Now()
	}
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: geoMember(driverID), Longitude: lng, Latitude: lat})
	pipe.Set(ctx, lastSeenKey(driverID), strconv.FormatInt(t.UnixMilli(), 10), r.livenessTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) MarkOffline(ctx context.Context, driverID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.geoKey, geoMember(driverID))
	pipe.Del(ctx, lastSeenKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearest(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Candidate, error) {
	// Over-fetch so that pruned stale members don't shrink the result
	// below limit in the common case.
	locs, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit * 2,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, limit)
	var stale []string
	for _, loc := range locs {
		id := driverFromMember(loc.Name)
		exists, err := r.client.Exists(ctx, lastSeenKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			stale = append(stale, loc.Name)
			continue
		}
		out = append(out, models.Candidate{DriverID: id, DistanceKm: loc.Dist})
		if len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, s := range stale {
			members[i] = s
		}
		_ = r.client.ZRem(ctx, r.geoKey, members...).Err()
	}
	// Redis orders by distance; make equal distances deterministic.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}
