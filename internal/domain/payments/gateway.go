package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

var _ Gateway = (*HTTPGateway)(nil)

// Gateway is the external payment processor. Reference strings are opaque and
// round-trip exactly as received; amounts are integer minor currency units.
type Gateway interface {
	InitializeCharge(ctx context.Context, amount int64, currency string, accountRef string) (*types.GatewayCharge, error)
	LookupTransaction(ctx context.Context, reference string) (*types.GatewayTransaction, error)
	Refund(ctx context.Context, reference string, amount int64, note string) (string, error)
	Health(ctx context.Context) error
}

// HTTPGateway talks to the gateway's REST API behind a circuit breaker so a
// flapping processor fails fast instead of holding verification slots.
type HTTPGateway struct {
	baseURL string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger

	healthTimeout time.Duration
}

// NewHTTPGateway creates a gateway client for the given API base URL.
func NewHTTPGateway(baseURL, secret string, healthTimeout time.Duration, logger *slog.Logger) *HTTPGateway {
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("gateway circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &HTTPGateway{
		baseURL:       baseURL,
		secret:        secret,
		client:        &http.Client{Timeout: 30 * time.Second},
		breaker:       gobreaker.NewCircuitBreaker[any](settings),
		logger:        logger,
		healthTimeout: healthTimeout,
	}
}

func (g *HTTPGateway) InitializeCharge(ctx context.Context, amount int64, currency string, accountRef string) (*types.GatewayCharge, error) {
	ctx, span := otel.Tracer("PaymentGateway").Start(ctx, "InitializeCharge", trace.WithAttributes(
		attribute.Int64("charge.amount", amount),
		attribute.String("charge.currency", currency),
	))
	defer span.End()

	body := map[string]any{
		"amount":      amount,
		"currency":    currency,
		"account_ref": accountRef,
	}

	var charge types.GatewayCharge
	if err := g.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &charge); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Initialize failed")
		return nil, err
	}
	if charge.Reference == "" {
		span.SetStatus(codes.Error, "Gateway returned no reference")
		return nil, fmt.Errorf("gateway returned empty charge reference")
	}

	span.SetAttributes(attribute.String("payment.reference", charge.Reference))
	span.SetStatus(codes.Ok, "Charge initialized")
	return &charge, nil
}

func (g *HTTPGateway) LookupTransaction(ctx context.Context, reference string) (*types.GatewayTransaction, error) {
	ctx, span := otel.Tracer("PaymentGateway").Start(ctx, "LookupTransaction", trace.WithAttributes(
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	var tx types.GatewayTransaction
	if err := g.do(ctx, "lookup", http.MethodGet, "/transaction/verify/"+reference, nil, &tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Lookup failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("transaction.status", tx.Status))
	span.SetStatus(codes.Ok, "Transaction looked up")
	return &tx, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, reference string, amount int64, note string) (string, error) {
	ctx, span := otel.Tracer("PaymentGateway").Start(ctx, "Refund", trace.WithAttributes(
		attribute.String("payment.reference", reference),
		attribute.Int64("refund.amount", amount),
	))
	defer span.End()

	body := map[string]any{
		"reference": reference,
		"amount":    amount,
		"note":      note,
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := g.do(ctx, "refund", http.MethodPost, "/refund", body, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Refund failed")
		return "", err
	}

	span.SetStatus(codes.Ok, "Refund requested")
	return out.Status, nil
}

// Health probes the gateway with the short health-check budget rather than
// the full verification timeout.
func (g *HTTPGateway) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("gateway health check: %w", types.ErrGatewayTimeout)
		}
		return fmt.Errorf("gateway health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body any, out any) error {
	start := time.Now()

	_, err := g.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encoding gateway request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("building gateway request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+g.secret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("gateway %s returned status %d: %s", op, resp.StatusCode, bytes.TrimSpace(raw))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decoding gateway response: %w", err)
			}
		}
		return nil, nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if isTimeout(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker-open behaves like an unreachable gateway: the attempt
			// stays retryable.
			outcome = "timeout"
			err = fmt.Errorf("gateway %s: %w", op, types.ErrGatewayTimeout)
		}
		g.logger.ErrorContext(ctx, "Gateway call failed",
			slog.String("op", op), slog.Any("error", err))
	}
	observability.GatewayRequests.WithLabelValues(op, outcome).Inc()
	observability.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
