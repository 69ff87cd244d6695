// Package handler is the webhook ingress: it authenticates storefront
// deliveries, resolves the tenant and enqueues sync jobs.
package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/fedega15/front-system-integration/internal/domain/commerce"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
	"github.com/fedega15/front-system-integration/internal/queue"
	"github.com/fedega15/front-system-integration/pkg/httpmiddleware"
)

// Storefront webhook headers.
const (
	HeaderTopic     = "X-WC-Webhook-Topic"
	HeaderSource    = "X-WC-Webhook-Source"
	HeaderSignature = "X-WC-Webhook-Signature"
	HeaderDelivery  = "X-WC-Webhook-Delivery-ID"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// VerifySignature rejects deliveries without a valid HMAC signature.
	VerifySignature bool
	// MaxBodyBytes limits the accepted payload size.
	MaxBodyBytes int64
}

// Handler receives storefront webhooks.
type Handler struct {
	tenants tenant.Resolver
	queue   queue.Queue
	cfg     Config
}

// New constructs a Handler.
func New(cfg Config, tenants tenant.Resolver, q queue.Queue) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		tenants: tenants,
		queue:   q,
		cfg:     cfg,
	}
}

// Register mounts the webhook routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/commerce", h.Commerce)
}

// Commerce accepts one storefront delivery. Processing happens
// asynchronously, so a 200 only means the job was queued.
func (h *Handler) Commerce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := r.Header.Get(HeaderTopic)
	source := r.Header.Get(HeaderSource)
	if topic == "" || source == "" {
		writeError(w, http.StatusBadRequest, "missing webhook topic or source header")
		return
	}

	lg := zctx.From(ctx).With(
		zap.String("topic", topic),
		zap.String("source", source),
		zap.String("delivery_id", r.Header.Get(HeaderDelivery)),
	)

	creds, err := h.tenants.ResolveBySource(ctx, source)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		lg.Warn("Unknown webhook source")
		writeError(w, http.StatusNotFound, "unknown webhook source")
		return
	case err != nil:
		lg.Error("Resolve tenant", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	lg = lg.With(zap.String("tenant_id", creds.TenantID))

	if err := creds.Validate(); err != nil {
		lg.Warn("Tenant credentials incomplete", zap.Error(err))
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if h.cfg.VerifySignature && !VerifySignature(body, creds.Downstream.ConsumerSecret, r.Header.Get(HeaderSignature)) {
		lg.Warn("Invalid webhook signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if topic != commerce.TopicOrderCreated {
		lg.Debug("Ignoring webhook topic")
		writeStatus(w, http.StatusOK, "ignored", "")
		return
	}

	job := queue.NewJob(*creds, topic, body)
	if err := h.queue.Enqueue(ctx, job); err != nil {
		lg.Error("Enqueue sync job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	lg.Info("Sync job queued",
		zap.String("job_id", job.ID),
		zap.String("request_id", httpmiddleware.RequestIDFromContext(ctx)),
	)
	writeStatus(w, http.StatusOK, "success", job.ID)
}

func writeStatus(w http.ResponseWriter, code int, status, jobID string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.FieldStart("status")
		e.Str(status)
		if jobID != "" {
			e.FieldStart("job_id")
			e.Str(jobID)
		}
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.FieldStart("status")
		e.Str("error")
		e.FieldStart("code")
		e.Int(code)
		e.FieldStart("message")
		e.Str(msg)
	})
}

func writeJSON(w http.ResponseWriter, code int, fields func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	fields(e)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
