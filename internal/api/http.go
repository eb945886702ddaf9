package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/civicgraph/integrity-chain/internal/logging"
	"github.com/civicgraph/integrity-chain/internal/protocol"
	"github.com/civicgraph/integrity-chain/internal/service"
)

type Handler struct {
	service      *service.IntegrityService
	maxBodyBytes int64
	requireAuth  bool
	allowReload  bool
}

type Options struct {
	MaxBodyBytes int64
	RequireAuth  bool
	AllowReload  bool
}

func NewHandler(svc *service.IntegrityService, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	return &Handler{
		service:      svc,
		maxBodyBytes: opts.MaxBodyBytes,
		requireAuth:  opts.RequireAuth,
		allowReload:  opts.AllowReload,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/keys/active", h.handleActiveKey)
	mux.HandleFunc("GET /v1/keys", h.handleKeys)
	mux.HandleFunc("POST /v1/keys/rotate", h.handleRotate)
	mux.HandleFunc("POST /v1/sign", h.handleSign)
	mux.HandleFunc("POST /v1/ledger/append", h.handleAppend)
	mux.HandleFunc("GET /v1/ledger/head", h.handleHead)
	mux.HandleFunc("GET /v1/ledger/entries/{seq}", h.handleGetEntry)
	mux.HandleFunc("POST /v1/ledger/verify", h.handleVerify)
	if h.allowReload {
		// Recovery/testing hook; never mounted in hardened deployments.
		mux.HandleFunc("POST /v1/ledger/reload", h.handleReload)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Health(r.Context())
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleActiveKey(w http.ResponseWriter, r *http.Request) {
	resp := h.service.ActiveKey(r.Context())
	logging.AddField(r.Context(), "op", "active_key")
	logging.AddField(r.Context(), "kid", resp.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Keys(r.Context())
	logging.AddField(r.Context(), "op", "list_keys")
	logging.AddField(r.Context(), "key_count", len(resp.Keys))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	var req protocol.SignRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.Malformed(err.Error(), err))
		return
	}
	resp, err := h.service.Sign(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "sign")
	logging.AddField(r.Context(), "kid", resp.KeyID)
	logging.AddField(r.Context(), "hash_sha256", resp.HashSHA256)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	resp, err := h.service.Rotate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "rotate")
	logging.AddField(r.Context(), "active_index", resp.ActiveIndex)
	logging.AddField(r.Context(), "kid", resp.KeyID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	var req protocol.AppendRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.Malformed(err.Error(), err))
		return
	}
	entry, err := h.service.Append(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_append")
	logging.AddField(r.Context(), "seq", entry.Seq)
	logging.AddField(r.Context(), "content_hash", entry.ContentHash)
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	head := h.service.Head(r.Context())
	logging.AddField(r.Context(), "op", "ledger_head")
	if head == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	logging.AddField(r.Context(), "seq", head.Seq)
	writeJSON(w, http.StatusOK, head)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		h.writeError(w, r, service.Malformed("invalid entry seq", err))
		return
	}
	entry, found := h.service.Entry(r.Context(), seq)
	if !found {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "NOT_FOUND", Message: "entry not found", Retryable: false}})
		return
	}
	logging.AddField(r.Context(), "op", "ledger_get_entry")
	logging.AddField(r.Context(), "seq", seq)
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	report := h.service.Verify(r.Context())
	logging.AddField(r.Context(), "op", "ledger_verify")
	logging.AddField(r.Context(), "verify_ok", report.OK)
	logging.AddField(r.Context(), "issue_count", len(report.Issues))
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	resp, err := h.service.Reload(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_reload")
	logging.AddField(r.Context(), "entries", resp.Entries)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !h.requireAuth {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if !h.service.VerifyWriteToken(token) {
		logging.AddField(r.Context(), "error_code", "UNAUTHORIZED")
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "UNAUTHORIZED", Message: "invalid write token", Retryable: false}})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternal)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternal,
		Message:   "internal server error",
		Retryable: true,
	}})
}

func (h *Handler) decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
