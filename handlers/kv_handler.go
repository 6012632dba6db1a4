package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/kvtrace/internal/debugtrace"
	"github.com/upb/kvtrace/middleware"
	"github.com/upb/kvtrace/repositories"
	"github.com/upb/kvtrace/utils"
	"go.uber.org/zap"
)

const maxListLimit = 1000

// CheckRequest is one versionstamp guard of an atomic request
type CheckRequest struct {
	Key          repositories.Key `json:"key" validate:"kvkey"`
	Versionstamp string           `json:"versionstamp"`
}

// MutationRequest is one queued write of an atomic request
type MutationRequest struct {
	Type       repositories.MutationType `json:"type" validate:"oneof=set delete sum min max"`
	Key        repositories.Key          `json:"key" validate:"kvkey"`
	Value      json.RawMessage           `json:"value,omitempty"`
	Operand    int64                     `json:"operand,omitempty"`
	ExpireInMs int64                     `json:"expireInMs,omitempty" validate:"gte=0"`
}

// AtomicRequest represents a request to commit checks and mutations together
type AtomicRequest struct {
	Checks    []CheckRequest    `json:"checks" validate:"dive"`
	Mutations []MutationRequest `json:"mutations" validate:"required,min=1,dive"`
}

// KVHandler exposes the KV store over HTTP
type KVHandler struct {
	store  repositories.KVStore
	logger *zap.Logger
}

// NewKVHandler creates a new KVHandler
func NewKVHandler(store repositories.KVStore, logger *zap.Logger) *KVHandler {
	return &KVHandler{
		store:  store,
		logger: logger,
	}
}

// HandleGet handles GET /api/v1/kv/*
func (h *KVHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	entry, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.writeStoreError(w, r, "get", err)
		return
	}
	if !entry.Exists() {
		_ = utils.WriteNotFound(w, fmt.Sprintf("key %s not found", key))
		return
	}

	_ = utils.WriteOK(w, entry)
}

// HandlePut handles PUT /api/v1/kv/*
// The body is the JSON value; ?expireIn=<duration> sets an expiry.
func (h *KVHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := keyFromPath(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	var opts []repositories.SetOption
	if raw := r.URL.Query().Get("expireIn"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			_ = utils.WriteBadRequest(w, "expireIn must be a positive duration", map[string]any{"expireIn": raw})
			return
		}
		opts = append(opts, repositories.WithExpireIn(d))
	}

	var value json.RawMessage
	if err := utils.DecodeJSON(r, &value, repositories.MaxValueBytes); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	res, err := h.store.Set(ctx, key, value, opts...)
	if err != nil {
		h.writeStoreError(w, r, "set", err)
		return
	}
	if !res.OK {
		debugtrace.Logf(ctx, "write to %s lost a concurrent update", key)
		_ = utils.WriteConflict(w, "write conflicted with a concurrent update", nil)
		return
	}

	_ = utils.WriteOK(w, res)
}

// HandleDelete handles DELETE /api/v1/kv/*
func (h *KVHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	if err := h.store.Delete(r.Context(), key); err != nil {
		h.writeStoreError(w, r, "delete", err)
		return
	}

	utils.WriteNoContent(w)
}

// HandleList handles GET /api/v1/kv?prefix=a/b&limit=n&reverse=true
func (h *KVHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	prefix, err := parseKeyPath(query.Get("prefix"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	sel := repositories.ListSelector{Prefix: prefix, Limit: maxListLimit}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			_ = utils.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), nil)
			return
		}
		sel.Limit = limit
	}
	if raw := query.Get("reverse"); raw != "" {
		reverse, err := strconv.ParseBool(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "reverse must be a boolean", nil)
			return
		}
		sel.Reverse = reverse
	}

	entries, err := h.store.List(r.Context(), sel)
	if err != nil {
		h.writeStoreError(w, r, "list", err)
		return
	}

	_ = utils.WriteOK(w, entries)
}

// HandleAtomic handles POST /api/v1/atomic
func (h *KVHandler) HandleAtomic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AtomicRequest
	if err := utils.DecodeJSON(r, &req, 4*repositories.MaxValueBytes); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		if !utils.IsValidationError(err) {
			h.logger.Error("atomic request validation failed", zap.Error(err))
			_ = utils.WriteInternalServerError(w, "")
			return
		}
		_ = utils.WriteBadRequest(w, "Validation failed", toDetails(utils.GetValidationFields(err)))
		return
	}

	op := h.store.Atomic(ctx)
	for _, c := range req.Checks {
		op = op.Check(repositories.AtomicCheck{Key: c.Key, Versionstamp: c.Versionstamp})
	}
	for _, m := range req.Mutations {
		switch m.Type {
		case repositories.MutationSet:
			var opts []repositories.SetOption
			if m.ExpireInMs > 0 {
				opts = append(opts, repositories.WithExpireIn(time.Duration(m.ExpireInMs)*time.Millisecond))
			}
			op = op.Set(m.Key, m.Value, opts...)
		case repositories.MutationDelete:
			op = op.Delete(m.Key)
		case repositories.MutationSum:
			op = op.Sum(m.Key, m.Operand)
		case repositories.MutationMin:
			op = op.Min(m.Key, m.Operand)
		case repositories.MutationMax:
			op = op.Max(m.Key, m.Operand)
		}
	}

	res, err := op.Commit(ctx)
	if err != nil {
		h.writeStoreError(w, r, "atomic", err)
		return
	}
	if !res.OK {
		debugtrace.Logf(ctx, "atomic commit rejected after %d checks", len(req.Checks))
		_ = utils.WriteConflict(w, "atomic check failed", nil)
		return
	}

	_ = utils.WriteOK(w, res)
}

func (h *KVHandler) writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, utils.ErrBodyTooLarge) {
		_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, err.Error(), nil)
		return
	}
	_ = utils.WriteBadRequest(w, err.Error(), nil)
}

// writeStoreError maps KV errors to HTTP responses
func (h *KVHandler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, repositories.ErrInvalidKey),
		errors.Is(err, repositories.ErrInvalidMutation):
		_ = utils.WriteBadRequest(w, err.Error(), nil)
	case errors.Is(err, repositories.ErrValueTooLarge):
		_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, err.Error(), nil)
	case errors.Is(err, repositories.ErrStoreClosed):
		_ = utils.WriteServiceUnavailable(w, "kv store is shutting down")
	default:
		h.logger.Error("kv operation failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("operation", op),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
	}
}

// keyFromPath reads the key from the wildcard part of the route
func keyFromPath(r *http.Request) (repositories.Key, error) {
	key, err := parseKeyPath(chi.URLParam(r, "*"))
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("key path is required")
	}
	return key, nil
}

// parseKeyPath splits a/b/c into a string key. Segments are path-unescaped.
func parseKeyPath(path string) (repositories.Key, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return repositories.Key{}, nil
	}

	segments := strings.Split(path, "/")
	key := make(repositories.Key, 0, len(segments))
	for _, s := range segments {
		part, err := url.PathUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("invalid key segment %q", s)
		}
		if part == "" {
			return nil, errors.New("key segments must not be empty")
		}
		key = append(key, part)
	}
	return key, nil
}

func toDetails(fields map[string]string) map[string]any {
	details := make(map[string]any, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return details
}
