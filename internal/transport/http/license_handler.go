package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/ledger"
	apimw "meshlicense/internal/middleware"
)

// LicenseService is the ledger surface the handlers use
type LicenseService interface {
	ApplyActivationKey(ctx context.Context, key string, licenseID *uuid.UUID) (bool, error)
	GenerateActivationRequestKey(skuID uint16) (string, error)
	CheckLicense(ctx context.Context, pluginID uuid.UUID, deviceType string, requiredAuthorities []string, count int, consume bool) bool
	ReleaseLicense(ctx context.Context, pluginID uuid.UUID, deviceType string) bool
	GetActivatedLicenses(ctx context.Context, pluginID uuid.UUID) []ledger.ActivatedLicense
	RemoveActivatedLicense(ctx context.Context, licenseID uuid.UUID, keyHash string) error
	GetActivationParameter(ctx context.Context, pluginID uuid.UUID, name string) (int, time.Time, bool)
	Status(pluginID uuid.UUID) (ledger.PluginStatus, bool)
	Statuses() []ledger.PluginStatus
	Pool() ledger.PoolStatus
	DeviceID() uuid.UUID
}

// LicenseHandler exposes the license ledger over HTTP
type LicenseHandler struct {
	service   LicenseService
	errors    *licenseErrors.ErrorHandler
	validator *apimw.Validator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, errHandler *licenseErrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		errors:    errHandler,
		validator: apimw.NewValidator(),
		logger:    logger.With(slog.String("handler", "license")),
		tracer:    otel.Tracer("license-handler"),
	}
}

// ActivateRequest applies an activation key
type ActivateRequest struct {
	Key       string `json:"key" validate:"required,keysymbols"`
	LicenseID string `json:"license_id,omitempty" validate:"omitempty,uuid"`
}

// ActivateResponse reports whether the key added activations
type ActivateResponse struct {
	Applied     bool                 `json:"applied"`
	Activations []ActivationResponse `json:"activations"`
	TraceID     string               `json:"trace_id"`
}

// CheckRequest asks for entitlement on behalf of a plug-in
type CheckRequest struct {
	PluginID            string   `json:"plugin_id" validate:"required,uuid"`
	DeviceType          string   `json:"device_type" validate:"max=128"`
	RequiredAuthorities []string `json:"required_authorities,omitempty" validate:"dive,required"`
	Count               int      `json:"count" validate:"min=0,max=1000000"`
	Consume             bool     `json:"consume"`
}

// ReleaseRequest returns one consumed unit
type ReleaseRequest struct {
	PluginID   string `json:"plugin_id" validate:"required,uuid"`
	DeviceType string `json:"device_type" validate:"max=128"`
}

// GrantResponse carries the outcome of a check or release
type GrantResponse struct {
	Granted bool `json:"granted"`
}

// RequestKeyResponse carries a generated activation request key
type RequestKeyResponse struct {
	RequestKey string    `json:"request_key"`
	DeviceID   uuid.UUID `json:"device_id"`
	SKU        uint16    `json:"sku"`
}

// ActivationResponse describes one activated license
type ActivationResponse struct {
	LicenseID     string         `json:"license_id"`
	Description   string         `json:"description,omitempty"`
	Version       string         `json:"version"`
	SKU           uint16         `json:"sku"`
	KeyHash       string         `json:"key_hash"`
	Evaluation    bool           `json:"evaluation"`
	Expiration    time.Time      `json:"expiration"`
	KeyExpiration *time.Time     `json:"key_expiration,omitempty"`
	Parameters    map[string]int `json:"parameters,omitempty"`
	Plugins       []string       `json:"plugins"`
	Signers       []string       `json:"signers,omitempty"`
	ActivatedAt   time.Time      `json:"activated_at"`
}

// ParameterResponse carries a summed activation parameter
type ParameterResponse struct {
	PluginID       uuid.UUID `json:"plugin_id"`
	Name           string    `json:"name"`
	Value          int       `json:"value"`
	NextExpiration time.Time `json:"next_expiration"`
}

// StatusResponse summarizes the node's entitlements
type StatusResponse struct {
	DeviceID uuid.UUID             `json:"device_id"`
	Pool     ledger.PoolStatus     `json:"pool"`
	Plugins  []ledger.PluginStatus `json:"plugins"`
}

func newActivationResponse(a ledger.ActivatedLicense) ActivationResponse {
	resp := ActivationResponse{
		LicenseID:   a.License.ID,
		Description: a.License.Description,
		Version:     a.License.Version,
		SKU:         a.License.SKU,
		KeyHash:     a.KeyHash,
		Evaluation:  a.Evaluation(),
		Expiration:  a.Expiration,
		Parameters:  a.Parameters,
		Plugins:     make([]string, 0, len(a.License.Plugins)),
		Signers:     a.License.Signers,
		ActivatedAt: a.ActivatedAt,
	}
	if !a.KeyExpiration.IsZero() {
		exp := a.KeyExpiration
		resp.KeyExpiration = &exp
	}
	for _, p := range a.License.Plugins {
		resp.Plugins = append(resp.Plugins, p.PluginID.String())
	}
	return resp
}

// Routes returns a chi router for the license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)
	r.Get("/status/{pluginID}", h.GetPluginStatus)
	r.Get("/request-key", h.GetRequestKey)

	r.Post("/activations", h.Activate)
	r.Get("/activations", h.ListActivations)
	r.Delete("/activations/{licenseID}/{keyHash}", h.RemoveActivation)

	r.Post("/check", h.Check)
	r.Post("/release", h.Release)
	r.Get("/plugins/{pluginID}/parameters/{name}", h.GetParameter)

	return r
}

func (h *LicenseHandler) startSpan(r *http.Request, op string) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), "license_handler."+op,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var verr *apimw.ValidationError
	if errors.As(err, &verr) {
		h.errors.BadRequest(w, r, verr.Error())
		return
	}
	h.errors.HandleError(w, r, err)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, &apimw.ValidationError{Fields: []apimw.FieldError{{Field: name, Message: name + " must be a valid UUID"}}}
	}
	return id, nil
}

// Activate handles POST /activations
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "activate")
	defer span.End()

	var req ActivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	var licenseID *uuid.UUID
	if req.LicenseID != "" {
		id := uuid.MustParse(req.LicenseID)
		licenseID = &id
	}

	applied, err := h.service.ApplyActivationKey(ctx, req.Key, licenseID)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.Bool("license.applied", applied))

	resp := ActivateResponse{
		Applied:     applied,
		Activations: []ActivationResponse{},
		TraceID:     middleware.GetReqID(ctx),
	}
	for _, a := range h.service.GetActivatedLicenses(ctx, uuid.Nil) {
		resp.Activations = append(resp.Activations, newActivationResponse(a))
	}
	if applied {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, resp)
}

// ListActivations handles GET /activations with an optional plugin_id filter
func (h *LicenseHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "list_activations")
	defer span.End()

	pluginID := uuid.Nil
	if raw := r.URL.Query().Get("plugin_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.errors.BadRequest(w, r, "plugin_id must be a valid UUID")
			return
		}
		pluginID = id
	}

	out := []ActivationResponse{}
	for _, a := range h.service.GetActivatedLicenses(ctx, pluginID) {
		out = append(out, newActivationResponse(a))
	}
	render.JSON(w, r, out)
}

// RemoveActivation handles DELETE /activations/{licenseID}/{keyHash}
func (h *LicenseHandler) RemoveActivation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "remove_activation")
	defer span.End()

	licenseID, err := parseUUIDParam(r, "licenseID")
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	keyHash := chi.URLParam(r, "keyHash")
	if err := h.service.RemoveActivatedLicense(ctx, licenseID, keyHash); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.logger.InfoContext(ctx, "activation removed via api",
		slog.String("license_id", licenseID.String()),
		slog.String("key_hash", keyHash))
	w.WriteHeader(http.StatusNoContent)
}

// GetRequestKey handles GET /request-key?sku=
func (h *LicenseHandler) GetRequestKey(w http.ResponseWriter, r *http.Request) {
	_, span := h.startSpan(r, "request_key")
	defer span.End()

	sku, err := strconv.ParseUint(r.URL.Query().Get("sku"), 10, 16)
	if err != nil {
		h.errors.BadRequest(w, r, "sku must be an integer between 0 and 65535")
		return
	}
	key, err := h.service.GenerateActivationRequestKey(uint16(sku))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, RequestKeyResponse{
		RequestKey: key,
		DeviceID:   h.service.DeviceID(),
		SKU:        uint16(sku),
	})
}

// Check handles POST /check
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "check")
	defer span.End()

	var req CheckRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	granted := h.service.CheckLicense(ctx, uuid.MustParse(req.PluginID), req.DeviceType,
		req.RequiredAuthorities, req.Count, req.Consume)
	span.SetAttributes(attribute.Bool("license.granted", granted))
	render.JSON(w, r, GrantResponse{Granted: granted})
}

// Release handles POST /release
func (h *LicenseHandler) Release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "release")
	defer span.End()

	var req ReleaseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	released := h.service.ReleaseLicense(ctx, uuid.MustParse(req.PluginID), req.DeviceType)
	render.JSON(w, r, GrantResponse{Granted: released})
}

// GetParameter handles GET /plugins/{pluginID}/parameters/{name}
func (h *LicenseHandler) GetParameter(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_parameter")
	defer span.End()

	pluginID, err := parseUUIDParam(r, "pluginID")
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	name := chi.URLParam(r, "name")
	value, next, ok := h.service.GetActivationParameter(ctx, pluginID, name)
	if !ok {
		h.errors.NotFound(w, r)
		return
	}
	render.JSON(w, r, ParameterResponse{
		PluginID:       pluginID,
		Name:           name,
		Value:          value,
		NextExpiration: next,
	})
}

// GetStatus handles GET /status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, StatusResponse{
		DeviceID: h.service.DeviceID(),
		Pool:     h.service.Pool(),
		Plugins:  h.service.Statuses(),
	})
}

// GetPluginStatus handles GET /status/{pluginID}
func (h *LicenseHandler) GetPluginStatus(w http.ResponseWriter, r *http.Request) {
	_, span := h.startSpan(r, "plugin_status")
	defer span.End()

	pluginID, err := parseUUIDParam(r, "pluginID")
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	status, ok := h.service.Status(pluginID)
	if !ok {
		h.errors.NotFound(w, r)
		return
	}
	render.JSON(w, r, status)
}
