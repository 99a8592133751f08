// Package client is the device-side HTTP client for the pickup api. Every
// failure is classified so the caller knows whether resending the same
// request can help.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/redemption"
)

const DefaultTimeout = 5 * time.Second

type Kind int

const (
	// Transient failures may succeed on retry: timeouts, connection
	// errors, 5xx, 408 and 429.
	Transient Kind = iota
	// Rejected requests will be rejected again if resent unchanged.
	Rejected
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

type Error struct {
	Kind    Kind
	Status  int    // 0 when no response was received
	Code    string // server error code, e.g. FAILED_PRECONDITION
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient
}

func IsRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && (e.Kind == Rejected || e.Kind == NotFound)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client whose every call is bounded by timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type CreateOrderRequest struct {
	Items         []orders.ItemInput   `json:"items"`
	PaymentMethod orders.PaymentMethod `json:"payment_method"`
	TotalCents    *int                 `json:"total_cents,omitempty"`
}

type CreateOrderResponse struct {
	OrderID      string              `json:"order_id"`
	Code         string              `json:"code"`
	TotalCents   int                 `json:"total_cents"`
	PaymentState orders.PaymentState `json:"payment_state"`
	Items        []orders.Item       `json:"items"`
	Idempotent   bool                `json:"idempotent"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *Client) ListProducts(ctx context.Context) ([]orders.Product, error) {
	var out []orders.Product
	err := c.do(ctx, http.MethodGet, "/products", "", nil, &out)
	return out, err
}

// CreateOrder sends the order under key. Resending with the same key is
// safe; the server returns the original order.
func (c *Client) CreateOrder(ctx context.Context, key string, req CreateOrderRequest) (CreateOrderResponse, error) {
	var out CreateOrderResponse
	err := c.do(ctx, http.MethodPost, "/orders", key, req, &out)
	return out, err
}

func (c *Client) PayCash(ctx context.Context, orderID string, amountReceived int) (orders.PaymentResult, error) {
	var out orders.PaymentResult
	body := map[string]int{"amount_received_cents": amountReceived}
	err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/pay-cash", "", body, &out)
	return out, err
}

func (c *Client) PayCard(ctx context.Context, orderID, reference string) (orders.PaymentResult, error) {
	var out orders.PaymentResult
	body := map[string]string{"reference": reference}
	err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/pay-card", "", body, &out)
	return out, err
}

func (c *Client) Verify(ctx context.Context, code string) (redemption.VerifyResult, error) {
	var out redemption.VerifyResult
	err := c.do(ctx, http.MethodPost, "/redemption/verify", "", map[string]string{"code": code}, &out)
	return out, err
}

// Redeem hands over every remaining item of the order behind code.
func (c *Client) Redeem(ctx context.Context, code, key, stationID string) (redemption.RedeemResult, error) {
	var out redemption.RedeemResult
	body := map[string]string{"code": code, "station_id": stationID}
	err := c.do(ctx, http.MethodPost, "/redemption/redeem", key, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: Transient, Status: resp.StatusCode, Message: "read body: " + err.Error(), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: Transient, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
		}
		return nil
	}

	var eb struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &Error{Kind: classify(resp.StatusCode), Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
}

func classify(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient
	default:
		return Rejected
	}
}
