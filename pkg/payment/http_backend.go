package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"
)

// TokenAudience is the audience claim of every payment bearer token.
const TokenAudience = "escrow.payments"

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	BaseURL          string
	Secret           []byte // master secret the JWT signing key is derived from
	Issuer           string
	RateLimit        float64 // requests per second, 0 disables limiting
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	HTTPClient       *http.Client
}

// HTTPBackend talks to a payment service over JSON/HTTP.
type HTTPBackend struct {
	baseURL    *url.URL
	issuer     string
	signingKey []byte
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	tracer     trace.Tracer
	logger     *slog.Logger
	clock      func() time.Time
}

// DeriveSigningKey derives the HS256 key for an issuer from the master secret (HKDF-SHA256).
func DeriveSigningKey(secret []byte, issuer string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("payment: empty backend secret")
	}
	r := hkdf.New(sha256.New, secret, []byte("escrow-payment-kdf"), []byte(issuer))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("payment: HKDF derivation failed: %w", err)
	}
	return key, nil
}

func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("payment: invalid backend URL %q", cfg.BaseURL)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "escrow"
	}
	key, err := DeriveSigningKey(cfg.Secret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	reset := cfg.BreakerReset
	if reset == 0 {
		reset = 10 * time.Second
	}

	return &HTTPBackend{
		baseURL:    base,
		issuer:     cfg.Issuer,
		signingKey: key,
		client:     client,
		limiter:    limiter,
		breaker:    NewCircuitBreaker("payment-backend", threshold, reset),
		tracer:     otel.Tracer("github.com/Mindburn-Labs/escrow/pkg/payment"),
		logger:     slog.Default().With("component", "payment"),
		clock:      time.Now,
	}, nil
}

// Breaker exposes the backend's circuit breaker.
func (h *HTTPBackend) Breaker() *CircuitBreaker { return h.breaker }

type lockRequest struct {
	Amount finance.Money `json:"amount"`
}

type lockResponse struct {
	LockID    string     `json:"lock_id"`
	Amount    lockAmount `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
	Reference string     `json:"reference"`
}

// lockAmount is the locked amount as the backend reports it. A missing scale
// means the currency's own scale.
type lockAmount struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Scale       *int   `json:"scale,omitempty"`
}

// money checks the reported amount against the requested currency.
func (a lockAmount) money(requested finance.Money) (finance.Money, error) {
	m := finance.NewMoney(a.AmountMinor, a.Currency)
	if m.Currency != requested.Currency {
		return finance.Money{}, fmt.Errorf("locked currency %q, requested %s", a.Currency, requested.Currency)
	}
	if a.Scale != nil && *a.Scale != m.Scale {
		return finance.Money{}, fmt.Errorf("locked amount has scale %d, %s uses %d", *a.Scale, m.Currency, m.Scale)
	}
	if !m.IsPositive() {
		return finance.Money{}, fmt.Errorf("locked amount %s is not positive", m)
	}
	return m, nil
}

type releaseRequest struct {
	Recipient string        `json:"recipient"`
	Amount    finance.Money `json:"amount"`
}

type refundRequest struct {
	Amount finance.Money `json:"amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPBackend) Lock(ctx context.Context, amount finance.Money) (*Lock, error) {
	var resp lockResponse
	if err := h.do(ctx, "lock", "/v1/locks", lockRequest{Amount: amount}, &resp); err != nil {
		return nil, err
	}
	if resp.LockID == "" {
		return nil, &BackendError{Op: "lock", Kind: ErrRejected, Message: "response without lock_id"}
	}
	locked, err := resp.Amount.money(amount)
	if err != nil {
		h.logger.ErrorContext(ctx, "unusable lock response", "lock_id", resp.LockID, "error", err)
		return nil, &BackendError{Op: "lock", Kind: ErrRejected, Message: fmt.Sprintf("lock %s: %v", resp.LockID, err)}
	}
	return &Lock{
		LockID:            resp.LockID,
		Amount:            locked,
		CreatedAt:         resp.CreatedAt,
		ExternalReference: resp.Reference,
	}, nil
}

func (h *HTTPBackend) Release(ctx context.Context, lock *Lock, recipient string, amount finance.Money) (*ReleaseReceipt, error) {
	var resp ReleaseReceipt
	path := "/v1/locks/" + url.PathEscape(lock.LockID) + "/releases"
	if err := h.do(ctx, "release", path, releaseRequest{Recipient: recipient, Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPBackend) Refund(ctx context.Context, lock *Lock, amount finance.Money) (*RefundAck, error) {
	var resp RefundAck
	path := "/v1/locks/" + url.PathEscape(lock.LockID) + "/refunds"
	if err := h.do(ctx, "refund", path, refundRequest{Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPBackend) do(ctx context.Context, op, path string, body, out any) (err error) {
	ctx, span := h.tracer.Start(ctx, "payment."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("payment %s: rate limit wait: %w", op, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payment %s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL.String()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payment %s: build request: %w", op, err)
	}

	key := IdempotencyKey(ctx)
	token, err := h.token(op, key)
	if err != nil {
		return fmt.Errorf("payment %s: sign token: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	span.SetAttributes(attribute.String("http.url.path", path), attribute.String("escrow.idempotency_key", key))

	if !h.breaker.Allow() {
		return &BackendError{Op: op, Kind: ErrNetworkFailure, Message: "circuit breaker open"}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.Failure()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("payment %s: %w", op, ctxErr)
		}
		return &BackendError{Op: op, Kind: ErrNetworkFailure, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		h.breaker.Failure()
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Kind: ErrNetworkFailure, Message: err.Error()}
	}

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		if errors.Is(kind, ErrNetworkFailure) {
			h.breaker.Failure()
		} else {
			h.breaker.Success()
		}
		msg := strings.TrimSpace(string(raw))
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		h.logger.WarnContext(ctx, "payment backend refused call",
			"op", op, "status", resp.StatusCode, "error", msg)
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Kind: kind, Message: msg}
	}

	h.breaker.Success()
	if err := json.Unmarshal(raw, out); err != nil {
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRejected, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// classifyStatus maps an HTTP status to a payment sentinel. nil means success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrNetworkFailure
	default:
		// 400, 403, 409, 422 and any other refusal
		return ErrRejected
	}
}

// token signs a short-lived bearer token scoped to one operation.
func (h *HTTPBackend) token(op, idempotencyKey string) (string, error) {
	now := h.clock().UTC()
	jti := idempotencyKey
	if jti == "" {
		jti = uuid.NewString()
	}
	claims := jwt.RegisteredClaims{
		ID:        jti,
		Issuer:    h.issuer,
		Subject:   op,
		Audience:  jwt.ClaimStrings{TokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.signingKey)
}
