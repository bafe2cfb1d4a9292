package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/homeward-matching/internal/models"
)

// RedisDirectory implements DriverDirectory on Redis GEO commands plus a
// per-driver metadata hash, the same layout the location consumer writes.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(addr, password, key string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, key: key}
}

func (r *RedisDirectory) Upsert(ctx context.Context, d models.Driver) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisDirectory) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}

	d := models.Driver{ID: driverID}
	d.Loc.Lat = pos[0].Latitude
	d.Loc.Lon = pos[0].Longitude

	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err == nil {
		if v, ok := meta["online"]; ok {
			d.Online = v == "true"
		}
		if v, ok := meta["updated"]; ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				d.Updated = t
			}
		}
	}
	return d, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
