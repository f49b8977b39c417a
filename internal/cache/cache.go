// Package cache implements C2, the cache client: bounded stream-append to
// Redis, feature/status hash caching, Pub/Sub publish and subscribe, and
// active-connection set tracking.
//
// It is adapted from the original market-data engine's
// internal/store/redis writer/reader pair — same client, same pipelining
// idiom for atomic multi-command batches — generalized from candle/indicator
// streams to sensor sample/feature streams, and wrapped in the circuit
// breaker from that package's circuitbreaker.go so a down cache degrades the
// pipeline instead of blocking it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"vibrasense/internal/model"
	"vibrasense/internal/pipeerr"
)

const (
	streamMaxLen      = 2_764_800 // 24h at 25.6kHz / 800, i.e. ~108s of samples per sensor; trimmed approximately
	streamTTL         = 24 * time.Hour
	featureHashTTL    = 5 * time.Minute
	statusHashTTL     = 60 * time.Second
	connectionsSetKey = "connections:active"
	alertsQueueKey    = "alerts:queue"

	circuitMaxFailures  = 5
	circuitResetTimeout = 10 * time.Second
)

// Config configures the Redis-backed cache client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is the concrete model.CacheClient backed by Redis.
type Client struct {
	rdb     *goredis.Client
	breaker *circuitBreaker
	metrics interface {
		observeCircuitState(int)
		incCircuitTrip()
		incError(op string)
	}
}

// New dials Redis and pings it once before returning.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	c := &Client{
		rdb:     rdb,
		breaker: newCircuitBreaker(circuitMaxFailures, circuitResetTimeout),
	}
	return c, nil
}

// RedisClient exposes the underlying client for health checks.
func (c *Client) RedisClient() *goredis.Client { return c.rdb }

// CircuitOpen reports whether the circuit breaker is currently open.
func (c *Client) CircuitOpen() bool {
	return c.breaker.currentState() == breakerOpen
}

func wrapCacheErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache %s: %w: %w", op, pipeerr.ErrCacheUnavailable, err)
}

// StreamAppendBatch appends every sample for sensor s to its raw stream in a
// single pipelined XADD per sample but one network round-trip overall — the
// original per-sample loop each issuing its own round-trip was a defect; a
// single pipeline exec replaces it.
func (c *Client) StreamAppendBatch(ctx context.Context, sensorID int64, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	streamKey := "stream:sensor:" + strconv.FormatInt(sensorID, 10)

	err := c.breaker.execute(func() error {
		pipe := c.rdb.Pipeline()
		for _, s := range samples {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: streamKey,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
					"h_acc":     strconv.FormatFloat(s.HAcc, 'g', -1, 64),
					"v_acc":     strconv.FormatFloat(s.VAcc, 'g', -1, 64),
				},
			})
		}
		pipe.Expire(ctx, streamKey, streamTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache stream_append_batch: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("stream_append_batch", err)
}

// SetFeatureHash writes the sensor's most recent feature record as a
// field-addressable hash with a 5-minute TTL.
func (c *Client) SetFeatureHash(ctx context.Context, sensorID int64, feature model.BroadcastFeature) error {
	key := "features:sensor:" + strconv.FormatInt(sensorID, 10) + ":latest"
	fields := featureHashFields(feature)

	err := c.breaker.execute(func() error {
		pipe := c.rdb.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, featureHashTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache set_feature_hash: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("set_feature_hash", err)
}

func featureHashFields(f model.BroadcastFeature) map[string]interface{} {
	fmt64 := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]interface{}{
		"sensor_id":       strconv.FormatInt(f.SensorID, 10),
		"window_start_ts": f.WindowStartTS,
		"window_end_ts":   f.WindowEndTS,
		"timestamp":       f.Timestamp,
		"rms_h":           fmt64(f.RMSH),
		"rms_v":           fmt64(f.RMSV),
		"peak_h":          fmt64(f.PeakH),
		"peak_v":          fmt64(f.PeakV),
		"kurtosis_h":      fmt64(f.KurtosisH),
		"kurtosis_v":      fmt64(f.KurtosisV),
		"crest_factor_h":  fmt64(f.CrestFactorH),
		"crest_factor_v":  fmt64(f.CrestFactorV),
		"dominant_freq_h": fmt64(f.DominantFreqH),
		"dominant_freq_v": fmt64(f.DominantFreqV),
	}
}

// SetStatusHash writes the sensor's streaming/connections status with a
// 60-second TTL.
func (c *Client) SetStatusHash(ctx context.Context, sensorID int64, streaming bool, connections int) error {
	key := "status:sensor:" + strconv.FormatInt(sensorID, 10)
	fields := map[string]interface{}{
		"streaming":   strconv.FormatBool(streaming),
		"connections": strconv.Itoa(connections),
	}

	err := c.breaker.execute(func() error {
		pipe := c.rdb.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, statusHashTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache set_status_hash: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("set_status_hash", err)
}

// Publish fire-and-forgets payload to channel; no receipt confirmation.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	err := c.breaker.execute(func() error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache publish: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("publish", err)
}

// Subscribe opens a Pub/Sub subscription across one or more channels. The
// circuit breaker does not guard Subscribe itself: a long-lived subscription
// is not a single request/response call, and its failures surface through
// MessageStream.Next instead.
func (c *Client) Subscribe(ctx context.Context, channels ...string) model.MessageStream {
	ps := c.rdb.Subscribe(ctx, channels...)
	return &messageStream{ps: ps, ch: ps.Channel()}
}

type messageStream struct {
	ps *goredis.PubSub
	ch <-chan *goredis.Message
}

func (m *messageStream) Next(ctx context.Context) (model.PubSubMessage, bool) {
	select {
	case <-ctx.Done():
		return model.PubSubMessage{}, false
	case msg, ok := <-m.ch:
		if !ok {
			return model.PubSubMessage{}, false
		}
		return model.PubSubMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}, true
	}
}

func (m *messageStream) Close() error {
	return m.ps.Close()
}

// PushAlert appends alert to the alerts:queue FIFO list.
func (c *Client) PushAlert(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("cache push_alert: encode: %w", err)
	}
	err = c.breaker.execute(func() error {
		return c.rdb.RPush(ctx, alertsQueueKey, payload).Err()
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache push_alert: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("push_alert", err)
}

// AddConnection adds subscriptionID to the active-connections set.
func (c *Client) AddConnection(ctx context.Context, subscriptionID string) error {
	err := c.breaker.execute(func() error {
		return c.rdb.SAdd(ctx, connectionsSetKey, subscriptionID).Err()
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache add_connection: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("add_connection", err)
}

// RemoveConnection removes subscriptionID from the active-connections set.
func (c *Client) RemoveConnection(ctx context.Context, subscriptionID string) error {
	err := c.breaker.execute(func() error {
		return c.rdb.SRem(ctx, connectionsSetKey, subscriptionID).Err()
	})
	if err == errCircuitOpen {
		return fmt.Errorf("cache remove_connection: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return wrapCacheErr("remove_connection", err)
}

// ActiveConnectionCount returns SCARD of the active-connections set.
func (c *Client) ActiveConnectionCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.breaker.execute(func() error {
		var execErr error
		n, execErr = c.rdb.SCard(ctx, connectionsSetKey).Result()
		return execErr
	})
	if err == errCircuitOpen {
		return 0, fmt.Errorf("cache active_connection_count: %w: %w", pipeerr.ErrCacheUnavailable, err)
	}
	return n, wrapCacheErr("active_connection_count", err)
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

var _ model.CacheClient = (*Client)(nil)
