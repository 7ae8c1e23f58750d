package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/divider/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "divider:"
	keyTotal       = keyPrefix + "stats:sessions_total"
	keyBytes       = keyPrefix + "stats:bytes"
	keyReasons     = keyPrefix + "stats:reasons"
	redisOpTimeout = 2 * time.Second
)

func sessionKey(id string) string        { return keyPrefix + "session:" + id }
func instanceKey(instance string) string { return keyPrefix + "instance:" + instance + ":sessions" }

// Redis shares the registry across divider instances. Live sessions are JSON keys with a TTL
// refreshed by Maintain; counters are fleet-wide. Local sessions are mirrored in memory so
// Stats never blocks on Redis for the active count.
type Redis struct {
	client     *redis.Client
	instanceID string

	mu      sync.Mutex
	local   map[string]SessionInfo
	closing bool
	ready   bool

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis connects and pings; the caller decides whether a failure is fatal.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:            rdb,
		instanceID:        fmt.Sprintf("divider-%d", time.Now().UnixNano()),
		local:             make(map[string]SessionInfo),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

func (r *Redis) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *Redis) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Redis) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *Redis) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *Redis) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, instanceKey(r.instanceID)).Err(); err != nil {
		obs.Error("redis.close.instance", obs.Fields{"err": err})
	}
	return r.client.Close()
}

func (r *Redis) SessionOpened(info SessionInfo) {
	r.mu.Lock()
	r.local[info.ID] = info
	r.mu.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		obs.Error("redis.session.marshal", obs.Fields{"err": err, "id": info.ID})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(info.ID), data, r.keyTTL)
	pipe.SAdd(ctx, instanceKey(r.instanceID), info.ID)
	pipe.Expire(ctx, instanceKey(r.instanceID), r.keyTTL)
	pipe.Incr(ctx, keyTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session.open", obs.Fields{"err": err, "id": info.ID})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

func (r *Redis) SessionClosed(id string, res SessionResult) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, instanceKey(r.instanceID), id)
	pipe.HIncrBy(ctx, keyBytes, "from_client", res.BytesFromClient)
	pipe.HIncrBy(ctx, keyBytes, "to_client", res.BytesToClient)
	pipe.HIncrBy(ctx, keyBytes, "discarded", res.BytesDiscarded)
	pipe.HIncrBy(ctx, keyReasons, res.Reason, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session.close", obs.Fields{"err": err, "id": id})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

// Stats reports local active sessions and fleet-wide counters. Counter lookups that fail
// are logged and left at zero.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	st := Stats{Active: len(r.local), Reasons: map[string]int64{}, Sessions: make([]SessionInfo, 0, len(r.local))}
	for _, s := range r.local {
		st.Sessions = append(st.Sessions, s)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	total, err := r.client.Get(ctx, keyTotal).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		obs.Error("redis.stats.total", obs.Fields{"err": err})
	}
	st.TotalSessions = total
	bytes, err := r.client.HGetAll(ctx, keyBytes).Result()
	if err != nil {
		obs.Error("redis.stats.bytes", obs.Fields{"err": err})
	}
	st.BytesFromClient = parseInt(bytes["from_client"])
	st.BytesToClient = parseInt(bytes["to_client"])
	st.BytesDiscarded = parseInt(bytes["discarded"])
	reasons, err := r.client.HGetAll(ctx, keyReasons).Result()
	if err != nil {
		obs.Error("redis.stats.reasons", obs.Fields{"err": err})
	}
	for k, v := range reasons {
		st.Reasons[k] = parseInt(v)
	}
	return st
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Maintain refreshes TTLs for locally owned sessions until ctx is done.
func (r *Redis) Maintain(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Redis) heartbeat() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), r.keyTTL)
	}
	pipe.Expire(ctx, instanceKey(r.instanceID), r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err, "sessions": len(ids)})
	}
}
