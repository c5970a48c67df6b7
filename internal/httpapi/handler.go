// Package httpapi exposes the payment pipeline over HTTP: intents,
// transfers, verification, and proof-gated resource access.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agent-credit/credit-rails/internal/anchor"
	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/auditrows"
	"github.com/agent-credit/credit-rails/internal/gate"
	"github.com/agent-credit/credit-rails/internal/payment"
	"github.com/agent-credit/credit-rails/internal/verify"
	"github.com/agent-credit/credit-rails/internal/watcher"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

// ProofHeader carries the redeemable payment proof on resource requests,
// base64-encoded JSON.
const ProofHeader = "X-Payment-Proof"

type IntentService interface {
	CreateIntent(resourceID, assetKey string) (payment.Intent, error)
}

type TransferExecutor interface {
	Execute(ctx context.Context, in payment.Intent, payerRef string) (payment.TransferReceipt, error)
}

type ProofVerifier interface {
	Verify(ctx context.Context, req verify.Request) (payment.Proof, error)
}

type ResourceGate interface {
	Access(ctx context.Context, resourceID string, proof payment.Proof) (gate.Resource, error)
}

type Anchorer interface {
	Anchor(ctx context.Context, req anchor.Request) anchor.Result
}

type WatcherPool interface {
	Status() []watcher.ChainStatus
	Restart(ctx context.Context, chainID uint64) error
}

type Config struct {
	Registry *asset.Registry

	Intents   IntentService
	Transfers TransferExecutor
	Verifier  ProofVerifier
	Gate      ResourceGate

	// Anchorer is optional; transfers succeed without anchoring.
	Anchorer Anchorer

	// Watchers is optional; the watcher endpoints 404 without it.
	Watchers WatcherPool

	// Audit is optional; append failures are logged and swallowed.
	Audit auditrows.Sink

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: nil asset registry", ErrInvalidConfig)
	}
	if cfg.Intents == nil || cfg.Transfers == nil || cfg.Verifier == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("%w: intents, transfers, verifier and gate are required", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /v1/intents", h.handleCreateIntent)
	mux.HandleFunc("POST /v1/transfers", h.handleTransfer)
	mux.HandleFunc("POST /v1/verify", h.handleVerify)
	mux.HandleFunc("GET /v1/resources/{resourceId...}", h.handleResource)
	mux.HandleFunc("GET /v1/watchers", h.handleWatchers)
	mux.HandleFunc("POST /v1/watchers/{chainId}/restart", h.handleWatcherRestart)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", nil)
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg      Config
	validate *validator.Validate
	limiter  *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type intentRequestBody struct {
	ResourceID string `json:"resourceId" validate:"required"`
	AssetKey   string `json:"assetKey" validate:"required"`
}

func (h *handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[intentRequestBody](w, r)
	if !ok {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields", validationFields(err))
		return
	}

	in, err := h.cfg.Intents.CreateIntent(body.ResourceID, body.AssetKey)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.audit(r.Context(), "intent.created", body.ResourceID, map[string]any{
		"assetKey": in.AssetKey, "chainId": in.ChainID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"intent": intentJSON(in),
	})
}

func (h *handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeJSONBody[map[string]any](w, r)
	if !ok {
		return
	}
	req, missing, err := payment.NormalizeTransferRequest(fields)
	if err != nil || len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing_fields", missing)
		return
	}

	info, err := h.cfg.Registry.Lookup(req.AssetKey)
	if err != nil {
		h.writeDomainError(w, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err))
		return
	}
	if req.ChainID != 0 && req.ChainID != info.ChainID {
		writeError(w, http.StatusBadRequest, "chain_mismatch", nil)
		return
	}

	rcpt, execErr := h.cfg.Transfers.Execute(r.Context(), payment.Intent{
		AssetKey:     info.Key,
		ChainID:      info.ChainID,
		TokenAddress: info.TokenAddress,
		PayTo:        req.To,
		Amount:       req.Amount,
		IssuedAt:     h.cfg.Now().UTC(),
	}, req.PayerRef)

	if execErr != nil {
		if errors.Is(execErr, payment.ErrInconclusive) {
			// The transfer may have landed. Surface the receipt and
			// leave reconciliation to the caller, never a resubmit.
			h.audit(r.Context(), "transfer.inconclusive", rcpt.TxID, map[string]any{
				"assetKey": info.Key, "chainId": info.ChainID,
			})
			writeJSON(w, http.StatusAccepted, map[string]any{
				"ok":           true,
				"inconclusive": true,
				"receipt":      receiptJSON(rcpt),
			})
			return
		}
		h.writeDomainError(w, execErr)
		return
	}

	resp := map[string]any{
		"ok":      true,
		"receipt": receiptJSON(rcpt),
	}
	if rcpt.RequiresManualPayment() {
		resp["instructions"] = rcpt.Manual
	} else if h.cfg.Anchorer != nil {
		// Anchoring runs after payment success and can only attach a
		// warning, never flip ok to false.
		res := h.cfg.Anchorer.Anchor(r.Context(), anchor.Request{
			Kind:    "payment",
			TxHash:  rcpt.TxID,
			ChainID: rcpt.ChainID,
		})
		resp["anchor"] = res
	}
	h.audit(r.Context(), "transfer.executed", rcpt.TxID, map[string]any{
		"assetKey": info.Key, "chainId": info.ChainID, "status": string(rcpt.Status),
	})
	writeJSON(w, http.StatusOK, resp)
}

type verifyRequestBody struct {
	AssetKey        string `json:"assetKey" validate:"required"`
	TxID            string `json:"txId" validate:"required"`
	ExpectedChainID uint64 `json:"expectedChainId"`
	ExpectedToken   string `json:"expectedToken"`
	ExpectedPayTo   string `json:"expectedPayTo"`
	ExpectedAmount  string `json:"expectedAmount"`
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[verifyRequestBody](w, r)
	if !ok {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields", validationFields(err))
		return
	}
	var amount *big.Int
	if s := strings.TrimSpace(body.ExpectedAmount); s != "" {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_amount", nil)
			return
		}
		amount = n
	}

	proof, err := h.cfg.Verifier.Verify(r.Context(), verify.Request{
		AssetKey:        body.AssetKey,
		TxID:            body.TxID,
		ExpectedChainID: body.ExpectedChainID,
		ExpectedToken:   body.ExpectedToken,
		ExpectedPayTo:   body.ExpectedPayTo,
		ExpectedAmount:  amount,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.audit(r.Context(), "proof.issued", proof.TxID, map[string]any{
		"assetKey": proof.AssetKey, "chainId": proof.ChainID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"proof": proof,
	})
}

func (h *handler) handleResource(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("resourceId")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "missing_resource_id", nil)
		return
	}
	proof, err := DecodeProofHeader(r.Header.Get(ProofHeader))
	if err != nil {
		writeError(w, http.StatusPaymentRequired, "payment_proof_required", nil)
		return
	}

	res, err := h.cfg.Gate.Access(r.Context(), resourceID, proof)
	if err != nil {
		if errors.Is(err, gate.ErrDenied) {
			h.audit(r.Context(), "access.denied", resourceID, map[string]any{
				"txId": proof.TxID,
			})
			writeError(w, http.StatusPaymentRequired, "payment_required", nil)
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.audit(r.Context(), "proof.redeemed", resourceID, map[string]any{
		"txId": proof.TxID, "assetKey": proof.AssetKey,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"resource": res,
	})
}

func (h *handler) handleWatchers(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Watchers == nil {
		writeError(w, http.StatusNotFound, "watchers_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"watchers": h.cfg.Watchers.Status(),
	})
}

func (h *handler) handleWatcherRestart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Watchers == nil {
		writeError(w, http.StatusNotFound, "watchers_unavailable", nil)
		return
	}
	chainID, err := strconv.ParseUint(r.PathValue("chainId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_chain_id", nil)
		return
	}
	if err := h.cfg.Watchers.Restart(r.Context(), chainID); err != nil {
		writeError(w, http.StatusNotFound, "unknown_chain", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chainId": chainID})
}

// writeDomainError maps the pipeline's sentinel errors onto HTTP statuses.
func (h *handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", nil)
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, payment.ErrMismatch):
		writeError(w, http.StatusUnprocessableEntity, "mismatch", nil)
	case errors.Is(err, payment.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", nil)
	}
}

func (h *handler) audit(ctx context.Context, action, subject string, detail map[string]any) {
	if h.cfg.Audit == nil {
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = nil
	}
	_ = h.cfg.Audit.Append(ctx, auditrows.Row{
		At:      h.cfg.Now().UTC(),
		Actor:   "httpapi",
		Action:  action,
		Subject: subject,
		Detail:  raw,
	})
}

// DecodeProofHeader parses the base64 JSON proof header.
func DecodeProofHeader(value string) (payment.Proof, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return payment.Proof{}, fmt.Errorf("%w: empty proof header", payment.ErrInvalidRequest)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return payment.Proof{}, fmt.Errorf("%w: proof header is not base64", payment.ErrInvalidRequest)
	}
	var proof payment.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return payment.Proof{}, fmt.Errorf("%w: proof header is not a proof", payment.ErrInvalidRequest)
	}
	return proof, nil
}

// EncodeProofHeader is the inverse of DecodeProofHeader, used by clients
// and tests.
func EncodeProofHeader(proof payment.Proof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func intentJSON(in payment.Intent) map[string]any {
	amount := ""
	if in.Amount != nil {
		amount = in.Amount.String()
	}
	return map[string]any{
		"resourceId":   in.ResourceID,
		"assetKey":     in.AssetKey,
		"chainId":      in.ChainID,
		"tokenAddress": in.TokenAddress,
		"payTo":        in.PayTo,
		"amount":       amount,
		"issuedAt":     in.IssuedAt.UTC().Format(time.RFC3339),
	}
}

func receiptJSON(rcpt payment.TransferReceipt) map[string]any {
	amount := ""
	if rcpt.ConfirmedAmount != nil {
		amount = rcpt.ConfirmedAmount.String()
	}
	return map[string]any{
		"txId":            rcpt.TxID,
		"chainId":         rcpt.ChainID,
		"status":          string(rcpt.Status),
		"confirmedAmount": amount,
		"manual":          rcpt.RequiresManualPayment(),
	}
}

func validationFields(err error) []string {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return nil
	}
	out := make([]string, 0, len(invalid))
	for _, fe := range invalid {
		out = append(out, strings.ToLower(fe.Field()[:1])+fe.Field()[1:])
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string, missing []string) {
	body := map[string]any{
		"ok":    false,
		"error": errCode,
	}
	if len(missing) > 0 {
		body["missing"] = missing
	}
	writeJSON(w, code, body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", nil)
		return out, false
	}
	return out, true
}
