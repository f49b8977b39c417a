// Command pipeline runs the vibration-analysis pipeline: the ingest HTTP
// API, the WebSocket subscriber endpoint, and the C7 lifecycle supervisor
// that drives C1 through C6.
//
// Grounded on cmd/api_gateway/main.go and cmd/indengine/main.go's
// signal-driven graceful shutdown shape: build a cancelable root context,
// launch the HTTP and metrics servers in goroutines, block on SIGINT/
// SIGTERM, then shut everything down in reverse order.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"vibrasense/config"
	"vibrasense/internal/cache"
	"vibrasense/internal/durable"
	"vibrasense/internal/fanout"
	"vibrasense/internal/ingest"
	"vibrasense/internal/logger"
	"vibrasense/internal/metrics"
	"vibrasense/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[pipeline] config: %v", err)
	}
	lg := logger.New("pipeline", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pl, err := pipeline.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[pipeline] init: %v", err)
	}
	var redisClient *goredis.Client
	if c, ok := pl.Cache.(*cache.Client); ok {
		redisClient = c.RedisClient()
	}
	var pgPool *pgxpool.Pool
	if d, ok := pl.Durable.(*durable.Store); ok {
		pgPool = d.Pool()
	}
	pl.Health.StartLivenessChecker(ctx, redisClient, pgPool, 15*time.Second)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, pl.Health, logger.New("metrics", cfg.LogLevel))
	metricsSrv.Start()

	ingestHandler := &ingest.Handler{Buf: pl.Buf, Cache: pl.Cache, Metrics: pl.Metrics, Log: logger.New("ingest", cfg.LogLevel)}
	router := ingestHandler.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWebSocket(ctx, pl.Hub, w, r)
	})

	httpSrv := &http.Server{Addr: cfg.IngestAddr, Handler: router}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		lg.Info().Str("addr", cfg.IngestAddr).Msg("ingest server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("ingest server error")
		}
	}()

	go func() {
		if err := pl.Run(ctx); err != nil {
			lg.Error().Err(err).Msg("pipeline run error")
		}
	}()

	<-sigCh
	lg.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	lg.Info().Msg("shutdown complete")
}

// serveWebSocket upgrades an incoming request to a WebSocket connection and
// registers it as a fan-out subscriber for the sensor named in the
// "sensor_id" query parameter (0, or absent, subscribes to all sensors).
func serveWebSocket(ctx context.Context, hub *fanout.Hub, w http.ResponseWriter, r *http.Request) {
	sensorID := fanout.AllSensors
	if raw := r.URL.Query().Get("sensor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid sensor_id"}`, http.StatusBadRequest)
			return
		}
		sensorID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.Log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	hub.ServeSubscriber(ctx, uuid.NewString(), conn, sensorID)
}
