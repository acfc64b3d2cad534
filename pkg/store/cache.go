// Package store mirrors the latest collar and handheld positions into redis
// so other processes can read them without talking to the device.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/geo"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// Config holds redis connection settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration // 0 keeps keys forever
	KeyPrefix string
}

// Metrics receives cache counters. A nil Metrics is allowed.
type Metrics interface {
	PersistFailed(backend string)
}

// CollarRecord is the JSON value stored per collar
type CollarRecord struct {
	ID           int16     `json:"id"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Altitude     float32   `json:"altitude"`
	UTM          string    `json:"utm"`
	Battery      uint8     `json:"battery"`
	CommStrength uint8     `json:"comm_strength"`
	GPSStrength  uint8     `json:"gps_strength"`
	Moving       bool      `json:"moving"`
	DeviceTime   time.Time `json:"device_time"`
	ReceivedAt   time.Time `json:"received_at"`
	SessionID    string    `json:"session_id,omitempty"`
}

// PositionRecord is the JSON value stored for the handheld
type PositionRecord struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float32   `json:"altitude"`
	FixName    string    `json:"fix_name"`
	UTM        string    `json:"utm"`
	UTC        time.Time `json:"utc"`
	ReceivedAt time.Time `json:"received_at"`
	SessionID  string    `json:"session_id,omitempty"`
}

// Cache implements device.Subscriber. A nil *Cache is a no-op.
type Cache struct {
	rdb     *redis.Client
	cfg     Config
	log     *logger.Logger
	metrics Metrics
	timeout time.Duration

	mu        sync.RWMutex
	sessionID string
}

var _ device.Subscriber = (*Cache)(nil)

// New creates a cache with its own redis client. It does not dial; use Ping
// to check connectivity.
func New(cfg Config, log *logger.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return NewWithClient(rdb, cfg, log)
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, cfg Config, log *logger.Logger) *Cache {
	return &Cache{
		rdb:     rdb,
		cfg:     cfg,
		log:     logger.OrDefault(log).WithComponent("store"),
		timeout: 2 * time.Second,
	}
}

// SetMetrics attaches a metrics sink.
func (c *Cache) SetMetrics(m Metrics) {
	if c != nil {
		c.metrics = m
	}
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("redis cache not initialized")
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	c.log.Info("Redis connected", logger.String("addr", c.cfg.Addr))
	return nil
}

// Close closes the client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// CollarKey returns the key holding one collar's record.
func (c *Cache) CollarKey(id int16) string {
	return c.key("collar:" + strconv.Itoa(int(id)))
}

// PositionKey returns the key holding the handheld position.
func (c *Cache) PositionKey() string {
	return c.key("position")
}

// IndexKey returns the set of known collar IDs.
func (c *Cache) IndexKey() string {
	return c.key("collars")
}

// EventChannel returns the pub/sub channel for an event kind.
func (c *Cache) EventChannel(kind string) string {
	return c.key("events/" + kind)
}

func (c *Cache) key(suffix string) string {
	return c.cfg.KeyPrefix + suffix
}

// OnCollar stores the collar record, adds it to the index and publishes it.
func (c *Cache) OnCollar(t protocol.CollarTelemetry) {
	if c == nil {
		return
	}
	rec := CollarRecord{
		ID:           t.ID,
		Name:         t.Name,
		Latitude:     t.LatitudeDegrees(),
		Longitude:    t.LongitudeDegrees(),
		Altitude:     t.Altitude,
		UTM:          geo.UtmString(t.LongitudeDegrees(), t.LatitudeDegrees()),
		Battery:      t.Battery,
		CommStrength: t.CommStrength,
		GPSStrength:  t.GPSStrength,
		Moving:       t.Moving(),
		DeviceTime:   t.Timestamp,
		ReceivedAt:   time.Now(),
		SessionID:    c.session(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.failed("Failed to encode collar record", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.CollarKey(t.ID), payload, c.cfg.TTL)
		p.SAdd(ctx, c.IndexKey(), int(t.ID))
		p.Publish(ctx, c.EventChannel("collar"), payload)
		return nil
	})
	if err != nil {
		c.failed("Redis collar write failed", err, logger.Int("collar_id", int(t.ID)))
	}
}

// OnPosition stores the handheld position when it carries a usable fix.
func (c *Cache) OnPosition(fix protocol.PositionFix) {
	if c == nil || !fix.HasPosition() {
		return
	}
	utc, _ := fix.UTC()
	rec := PositionRecord{
		Latitude:   fix.LatitudeDegrees(),
		Longitude:  fix.LongitudeDegrees(),
		Altitude:   fix.Altitude,
		FixName:    fix.FixTypeString(),
		UTM:        geo.UtmString(fix.LongitudeDegrees(), fix.LatitudeDegrees()),
		UTC:        utc,
		ReceivedAt: time.Now(),
		SessionID:  c.session(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.failed("Failed to encode position record", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.PositionKey(), payload, c.cfg.TTL)
		p.Publish(ctx, c.EventChannel("position"), payload)
		return nil
	})
	if err != nil {
		c.failed("Redis position write failed", err)
	}
}

func (c *Cache) OnEntities([]protocol.TrackedEntity) {}

// OnConnection stamps subsequent records with the connection's session ID.
func (c *Cache) OnConnection(ev device.ConnectionEvent) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if ev.Connected {
		c.sessionID = ev.SessionID
	} else {
		c.sessionID = ""
	}
	c.mu.Unlock()
}

func (c *Cache) OnSession(device.SessionEvent) {}

func (c *Cache) OnStatus(string) {}

// Collar reads one collar record. The boolean is false when the key is
// missing or expired.
func (c *Cache) Collar(ctx context.Context, id int16) (CollarRecord, bool, error) {
	if c == nil {
		return CollarRecord{}, false, nil
	}
	val, err := c.rdb.Get(ctx, c.CollarKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CollarRecord{}, false, nil
	}
	if err != nil {
		return CollarRecord{}, false, fmt.Errorf("redis GET collar %d: %w", id, err)
	}
	var rec CollarRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return CollarRecord{}, false, fmt.Errorf("decode collar %d: %w", id, err)
	}
	return rec, true, nil
}

// Collars reads every indexed collar whose record has not expired.
func (c *Cache) Collars(ctx context.Context) ([]CollarRecord, error) {
	if c == nil {
		return nil, nil
	}
	members, err := c.rdb.SMembers(ctx, c.IndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		keys = append(keys, c.CollarKey(int16(id)))
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}
	return decodeCollars(vals), nil
}

// Position reads the stored handheld position.
func (c *Cache) Position(ctx context.Context) (PositionRecord, bool, error) {
	if c == nil {
		return PositionRecord{}, false, nil
	}
	val, err := c.rdb.Get(ctx, c.PositionKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return PositionRecord{}, false, nil
	}
	if err != nil {
		return PositionRecord{}, false, fmt.Errorf("redis GET position: %w", err)
	}
	var rec PositionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return PositionRecord{}, false, fmt.Errorf("decode position: %w", err)
	}
	return rec, true, nil
}

// decodeCollars turns MGET results into records, skipping expired keys and
// values that do not parse.
func decodeCollars(vals []interface{}) []CollarRecord {
	out := make([]CollarRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		var rec CollarRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Cache) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Cache) failed(msg string, err error, fields ...logger.Field) {
	c.log.Error(msg, append(fields, logger.Error(err))...)
	if c.metrics != nil {
		c.metrics.PersistFailed("redis")
	}
}
