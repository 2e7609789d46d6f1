package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/gps-telemetry-ingest/internal/db"
	"github.com/septivank/gps-telemetry-ingest/internal/ingest"
	"github.com/septivank/gps-telemetry-ingest/internal/store"
	"github.com/septivank/gps-telemetry-ingest/tools/timeparser"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20

	defaultLimit = 100
	maxLimit     = 1000
)

// Ingester accepts telemetry reports
type Ingester interface {
	Ingest(ctx context.Context, requestID string, payload ingest.Payload) (*ingest.Result, error)
}

// DeviceReader reads device rows
type DeviceReader interface {
	List(ctx context.Context) ([]db.Device, error)
	GetByExternalID(ctx context.Context, externalID string) (*db.Device, error)
}

// RecordReader reads telemetry records
type RecordReader interface {
	Latest(ctx context.Context, limit int) ([]db.LatestRecord, error)
	History(ctx context.Context, deviceID int64, since, until *time.Time, limit int) ([]db.TelemetryRecord, error)
}

// Clearer removes all devices and records
type Clearer interface {
	ClearAll(ctx context.Context) error
}

// Pinger checks store connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler exposes the ingest and read endpoints
type Handler struct {
	ingester      Ingester
	devices       DeviceReader
	records       RecordReader
	clearer       Clearer
	pinger        Pinger
	allowClearAll bool
	logger        *zap.Logger
}

// HandlerConfig holds handler dependencies
type HandlerConfig struct {
	Ingester      Ingester
	Devices       DeviceReader
	Records       RecordReader
	Clearer       Clearer
	Pinger        Pinger
	AllowClearAll bool
	Logger        *zap.Logger
}

// NewHandler creates a Handler
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		ingester:      cfg.Ingester,
		devices:       cfg.Devices,
		records:       cfg.Records,
		clearer:       cfg.Clearer,
		pinger:        cfg.Pinger,
		allowClearAll: cfg.AllowClearAll,
		logger:        cfg.Logger,
	}
}

type pushResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DeviceID *int64 `json:"device_id"`
	RecordID int64  `json:"record_id"`
	Degraded bool   `json:"degraded"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type devicesResponse struct {
	Devices []db.Device `json:"devices"`
}

type latestResponse struct {
	Records []db.LatestRecord `json:"records"`
}

type historyResponse struct {
	Device  *db.Device           `json:"device"`
	Records []db.TelemetryRecord `json:"records"`
}

// Push handles POST /api/gps/push
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeErr(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	payload, err := ingest.DecodePayload(body)
	if err == nil {
		var result *ingest.Result
		result, err = h.ingester.Ingest(r.Context(), requestID, payload)
		if err == nil {
			writeJSON(w, http.StatusOK, pushResponse{
				Success:  true,
				Message:  "Data saved successfully",
				DeviceID: result.DeviceID,
				RecordID: result.Record.ID,
				Degraded: result.Degraded(),
			})
			return
		}
	}

	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		return
	}

	h.logger.Error("push failed", zap.String("request_id", requestID), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:  "Failed to save GPS data",
		Detail: err.Error(),
	})
}

// ListDevices handles GET /api/gps/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context())
	if err != nil && !store.IsSchemaMissing(err) {
		h.logger.Error("list devices", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []db.Device{}
	}

	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

// Latest handles GET /api/gps/latest
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.records.Latest(r.Context(), limit)
	if err != nil && !store.IsSchemaMissing(err) {
		h.logger.Error("latest records", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "failed to fetch latest records")
		return
	}
	if records == nil {
		records = []db.LatestRecord{}
	}

	writeJSON(w, http.StatusOK, latestResponse{Records: records})
}

// History handles GET /api/gps/devices/{externalId}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalId")
	if externalID == "" {
		writeErr(w, http.StatusBadRequest, "external id is required")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	since, until, err := parseTimeWindow(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := h.devices.GetByExternalID(r.Context(), externalID)
	if err != nil {
		if store.IsNotFound(err) || store.IsSchemaMissing(err) {
			writeErr(w, http.StatusNotFound, "device not found")
			return
		}
		h.logger.Error("get device", zap.String("external_id", externalID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "failed to fetch device")
		return
	}

	records, err := h.records.History(r.Context(), device.ID, since, until, limit)
	if err != nil && !store.IsSchemaMissing(err) {
		h.logger.Error("record history", zap.String("external_id", externalID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "failed to fetch history")
		return
	}
	if records == nil {
		records = []db.TelemetryRecord{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Device: device, Records: records})
}

// ClearAll handles DELETE /api/gps/data
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	if !h.allowClearAll {
		writeErr(w, http.StatusForbidden, "clearing data is disabled")
		return
	}

	if err := h.clearer.ClearAll(r.Context()); err != nil {
		h.logger.Error("clear all", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:  "Failed to clear GPS data",
			Detail: err.Error(),
		})
		return
	}

	h.logger.Warn("all gps data cleared", zap.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "All GPS data cleared"})
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// parseTimeWindow reads the optional since / until query params
func parseTimeWindow(r *http.Request) (since, until *time.Time, err error) {
	since, err = timeparser.ParseOptional(r.URL.Query().Get("since"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid since: %w", err)
	}
	until, err = timeparser.ParseOptional(r.URL.Query().Get("until"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid until: %w", err)
	}
	if since != nil && until != nil && since.After(*until) {
		return nil, nil, fmt.Errorf("since must be before or equal to until")
	}
	return since, until, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
