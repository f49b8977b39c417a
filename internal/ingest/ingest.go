// Package ingest implements C4, the ingest endpoint: validates incoming
// accelerometer batches, appends them to C1 (the authoritative path), and
// forwards them to C2 in a single bulk call. A cache failure never fails the
// request; only a malformed body or a C1 programming error does.
//
// Routing and JSON envelope conventions follow the retrieval pack's
// gorilla/mux REST handlers (writeAPIResponse/writeAPIError style), adapted
// from a read-heavy blockchain-indexer API to this pipeline's two write
// endpoints.
package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"vibrasense/internal/metrics"
	"vibrasense/internal/model"
	"vibrasense/internal/pipeerr"
	"vibrasense/internal/sensorbuf"
)

// rawSample is the wire shape of one sample inside an ingest batch.
type rawSample struct {
	Timestamp string  `json:"timestamp"`
	HAcc      float64 `json:"h_acc"`
	VAcc      float64 `json:"v_acc"`
}

// batchRequest is the wire shape of POST /api/sensor/data.
type batchRequest struct {
	SensorID int64       `json:"sensor_id"`
	Data     []rawSample `json:"data"`
}

// streamRequest is the wire shape of POST /api/sensor/data/stream.
type streamRequest struct {
	SensorID       int64     `json:"sensor_id"`
	HAcc           []float64 `json:"h_acc"`
	VAcc           []float64 `json:"v_acc"`
	TimestampStart string    `json:"timestamp_start"`
	SamplingRateHz float64   `json:"sampling_rate"`
}

// Handler wires the ingest endpoints to a sensor buffer store and a cache
// client. Cache may be nil in tests that don't exercise the cache
// fan-out path.
type Handler struct {
	Buf     *sensorbuf.Store
	Cache   model.CacheClient
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// NewRouter registers both ingest routes on a gorilla/mux router.
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/sensor/data", h.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/sensor/data/stream", h.handleStream).Methods(http.MethodPost)
	return r
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, "malformed_json", "request body is not valid JSON")
		return
	}
	if req.SensorID <= 0 {
		h.reject(w, "bad_sensor_id", "sensor_id must be a positive integer")
		return
	}

	samples, err := parseRawSamples(req.Data)
	if err != nil {
		h.reject(w, "bad_sample", err.Error())
		return
	}

	h.ingest(r, w, req.SensorID, samples)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, "malformed_json", "request body is not valid JSON")
		return
	}
	if req.SensorID <= 0 {
		h.reject(w, "bad_sensor_id", "sensor_id must be a positive integer")
		return
	}
	if len(req.HAcc) != len(req.VAcc) {
		h.reject(w, "length_mismatch", "h_acc and v_acc must have the same length")
		return
	}
	if req.SamplingRateHz <= 0 {
		h.reject(w, "bad_sampling_rate", "sampling_rate must be positive")
		return
	}

	start, err := time.Parse(time.RFC3339Nano, req.TimestampStart)
	if err != nil {
		start, err = time.Parse(time.RFC3339, req.TimestampStart)
		if err != nil {
			h.reject(w, "bad_timestamp", "timestamp_start is not a parseable ISO-8601 datetime")
			return
		}
	}

	period := time.Duration(float64(time.Second) / req.SamplingRateHz)
	samples := make([]model.Sample, len(req.HAcc))
	for i := range req.HAcc {
		samples[i] = model.Sample{
			Timestamp: start.Add(time.Duration(i) * period),
			HAcc:      req.HAcc[i],
			VAcc:      req.VAcc[i],
		}
	}

	h.ingest(r, w, req.SensorID, samples)
}

func parseRawSamples(raw []rawSample) ([]model.Sample, error) {
	samples := make([]model.Sample, 0, len(raw))
	for _, rs := range raw {
		ts, err := time.Parse(time.RFC3339Nano, rs.Timestamp)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, rs.Timestamp)
			if err != nil {
				return nil, errBadTimestamp(rs.Timestamp)
			}
		}
		samples = append(samples, model.Sample{Timestamp: ts, HAcc: rs.HAcc, VAcc: rs.VAcc})
	}
	return samples, nil
}

type errBadTimestamp string

func (e errBadTimestamp) Error() string {
	return "timestamp " + string(e) + " is not a parseable ISO-8601 datetime"
}

// ingest appends to C1 (authoritative, must succeed) then forwards the
// batch to C2 in one bulk call (cache failures are logged and swallowed).
// An empty data slice is accepted as a no-op per the ingest contract.
func (h *Handler) ingest(r *http.Request, w http.ResponseWriter, sensorID int64, samples []model.Sample) {
	if len(samples) == 0 {
		h.accept(w)
		return
	}

	h.Buf.AppendBatch(sensorID, samples)

	if h.Cache != nil {
		if err := h.Cache.StreamAppendBatch(r.Context(), sensorID, samples); err != nil {
			h.Log.Error().Int64("sensor_id", sensorID).Err(err).AnErr("cause", pipeerr.ErrCacheUnavailable).Msg("cache stream_append_batch failed")
			if h.Metrics != nil {
				h.Metrics.CacheErrorsTotal.WithLabelValues("stream_append_batch").Inc()
			}
		}
	}

	if h.Metrics != nil {
		h.Metrics.SamplesIngestedTotal.Add(float64(len(samples)))
		h.Metrics.IngestBatchesTotal.Inc()
	}

	h.accept(w)
}

func (h *Handler) accept(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (h *Handler) reject(w http.ResponseWriter, reason, message string) {
	if h.Metrics != nil {
		h.Metrics.IngestRejectedTotal.WithLabelValues(reason).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "error",
		"error":  map[string]string{"message": message},
	})
}
