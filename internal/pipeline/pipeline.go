// Package pipeline implements C7, the lifecycle supervisor: it wires C1
// through C6 into one running process, starts a per-sensor analyzer task
// (C5) the first time a sensor is observed, reaps buffers idle past a
// configurable threshold, and owns graceful shutdown of every subsystem.
//
// Grounded on indengine.Service (internal/indengine/service.go): the same
// New/Run/shutdown shape — connect dependencies in New, block in Run until
// ctx is cancelled, tear everything down in shutdown — generalized from one
// fixed candle-processing loop to a dynamic set of per-sensor analyzer
// tasks started and stopped as sensors come and go.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"vibrasense/config"
	"vibrasense/internal/analyzer"
	"vibrasense/internal/cache"
	"vibrasense/internal/durable"
	"vibrasense/internal/fanout"
	"vibrasense/internal/logger"
	"vibrasense/internal/metrics"
	"vibrasense/internal/model"
	"vibrasense/internal/sensorbuf"
)

const (
	discoveryInterval = 500 * time.Millisecond
	analyzerStopWait  = 5 * time.Second
	housekeepInterval = time.Minute
)

// Pipeline owns C1 through C6 and the goroutines that drive them. Cache and
// Durable are the model.CacheClient/model.DurableStore interfaces (not the
// concrete cache.Client/durable.Store types) so tests can wire in fakes
// without a live Redis or Postgres.
type Pipeline struct {
	cfg *config.Config

	Buf     *sensorbuf.Store
	Cache   model.CacheClient
	Durable model.DurableStore
	Hub     *fanout.Hub
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Log     zerolog.Logger

	maxIdle time.Duration

	mu    sync.Mutex
	tasks map[int64]*analyzer.Task

	stopDiscovery context.CancelFunc
	stopHousekeep context.CancelFunc
	wg            sync.WaitGroup
}

// New connects C2 and C3 and assembles C1, C6 and their supporting metrics
// around cfg. It does not start any goroutines; call Run for that.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	m := metrics.New()
	lg := logger.New("pipeline", cfg.LogLevel)

	durableStore, err := durable.New(ctx, durable.Config{
		DatabaseURL:     cfg.DatabaseURLPostgreSQL,
		MinConns:        cfg.DurableMinConns,
		MaxConns:        cfg.DurableMaxConns,
		MaxConnIdleTime: cfg.DurableMaxConnIdleTime,
		MaxConnLifetime: cfg.DurableMaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		durableStore.Close()
		return nil, fmt.Errorf("pipeline: parse REDIS_URL: %w", err)
	}

	cacheClient, err := cache.New(ctx, cache.Config{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	})
	if err != nil {
		durableStore.Close()
		return nil, err
	}

	buf := sensorbuf.New(cfg.BufferCapacity)
	hub := fanout.NewHub(cacheClient, m)
	hub.Log = logger.New("fanout", cfg.LogLevel)

	return &Pipeline{
		cfg:     cfg,
		Buf:     buf,
		Cache:   cacheClient,
		Durable: durableStore,
		Hub:     hub,
		Metrics: m,
		Health:  metrics.NewHealthStatus(),
		Log:     lg,
		maxIdle: time.Duration(cfg.MaxIdleMinutes) * time.Minute,
		tasks:   make(map[int64]*analyzer.Task),
	}, nil
}

// Run starts the C6 bridge task, the sensor-discovery loop and the idle
// reaper, then blocks until ctx is cancelled. It returns once every
// subsystem has shut down.
func (p *Pipeline) Run(ctx context.Context) error {
	p.Log.Info().Msg("starting")

	p.Hub.StartBridge(ctx)

	discoverCtx, cancelDiscover := context.WithCancel(ctx)
	p.stopDiscovery = cancelDiscover
	p.wg.Add(1)
	go p.discoverSensors(discoverCtx)

	housekeepCtx, cancelHousekeep := context.WithCancel(ctx)
	p.stopHousekeep = cancelHousekeep
	p.wg.Add(1)
	go p.housekeep(housekeepCtx)

	<-ctx.Done()
	p.shutdown()
	return nil
}

// discoverSensors polls C1's sensor set and starts an analyzer task for any
// sensor observed for the first time.
func (p *Pipeline) discoverSensors(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sensorID := range p.Buf.Sensors() {
				p.ensureTask(ctx, sensorID)
			}
		}
	}
}

// ensureTask starts an analyzer task for sensorID if one is not already
// running.
func (p *Pipeline) ensureTask(ctx context.Context, sensorID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tasks[sensorID]; ok {
		return
	}

	task := &analyzer.Task{
		SensorID:       sensorID,
		MinSamples:     p.cfg.MinSamples,
		SamplingRateHz: float64(p.cfg.SamplingRateHz),
		Buf:            p.Buf,
		Cache:          p.Cache,
		Durable:        p.Durable,
		Fanout:         p.Hub,
		Metrics:        p.Metrics,
		Log:            logger.New("analyzer", p.cfg.LogLevel).With().Int64("sensor_id", sensorID).Logger(),
	}
	task.Start(ctx)
	p.tasks[sensorID] = task
	p.Log.Info().Int64("sensor_id", sensorID).Msg("analyzer started")
}

// stopTask stops and forgets the analyzer task for sensorID, if any.
func (p *Pipeline) stopTask(sensorID int64) {
	p.mu.Lock()
	task, ok := p.tasks[sensorID]
	if ok {
		delete(p.tasks, sensorID)
	}
	p.mu.Unlock()

	if ok {
		task.Stop(analyzerStopWait)
		p.Log.Info().Int64("sensor_id", sensorID).Msg("analyzer stopped")
	}
}

// housekeep periodically drops sensor buffers idle past maxIdle, stopping
// the matching analyzer task first.
func (p *Pipeline) housekeep(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pipeline) reapIdle() {
	cutoff := time.Now().Add(-p.maxIdle)
	for _, sensorID := range p.Buf.Sensors() {
		start, ok := p.Buf.WindowStart(sensorID)
		if !ok || start.After(cutoff) {
			continue
		}
		p.stopTask(sensorID)
		p.Buf.Drop(sensorID)
		p.Log.Info().Int64("sensor_id", sensorID).Time("idle_since", start).Msg("reaped idle buffer")
	}
}

// shutdown stops the bridge, every analyzer task and the discovery/
// housekeeping loops, then closes the durable and cache connections.
func (p *Pipeline) shutdown() {
	p.Log.Info().Msg("shutdown signal received")

	if p.stopDiscovery != nil {
		p.stopDiscovery()
	}
	if p.stopHousekeep != nil {
		p.stopHousekeep()
	}
	p.wg.Wait()

	p.Hub.StopBridge()

	p.mu.Lock()
	sensorIDs := make([]int64, 0, len(p.tasks))
	for sensorID := range p.tasks {
		sensorIDs = append(sensorIDs, sensorID)
	}
	p.mu.Unlock()
	for _, sensorID := range sensorIDs {
		p.stopTask(sensorID)
	}

	if err := p.Durable.Close(); err != nil {
		p.Log.Error().Err(err).Msg("durable close error")
	}
	if err := p.Cache.Close(); err != nil {
		p.Log.Error().Err(err).Msg("cache close error")
	}

	p.Log.Info().Msg("shutdown complete")
}
