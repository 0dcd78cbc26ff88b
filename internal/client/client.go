// Package client calls the order gateway's REST API on behalf of a
// dashboard session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/session"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 15 * time.Second

// ErrInvalidDeliveryStatus is returned for delivery updates other than
// picked-up and delivered.
var ErrInvalidDeliveryStatus = errors.New("delivery_status must be picked-up or delivered")

// Rejection is a non-2xx answer from the gateway: the request reached the
// server and was refused.
type Rejection struct {
	StatusCode int
	Message    string
}

func (e *Rejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server rejected request: %d: %s", e.StatusCode, e.Message)
}

// IsRejection reports whether err carries a server Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Artifact is an uploaded file, such as a proof-of-delivery photo.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Refund is the body of a refund request. Fields carries the extra,
// issue-dependent values (e.g. missing_items).
type Refund struct {
	Issue       string
	Description string
	Fields      map[string]string
}

// Client is a REST client bound to one session's token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(s *session.Session, opts ...Option) *Client {
	c := &Client{
		base:  s.BaseURL,
		token: s.Token,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrder handles GET /orders/{id}.
func (c *Client) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var o order.Order
	if err := c.doJSON(ctx, http.MethodGet, c.url("orders", id), nil, &o); err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

type listOrdersResponse struct {
	Orders []*order.Order `json:"orders"`
}

// ListOrders handles GET /orders: every order visible to the session actor.
func (c *Client) ListOrders(ctx context.Context) ([]*order.Order, error) {
	var resp listOrdersResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url("orders"), nil, &resp); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return resp.Orders, nil
}

type updateStatusRequest struct {
	Status order.Status `json:"status"`
}

// UpdateStatus handles PATCH /orders/{id}/status.
func (c *Client) UpdateStatus(ctx context.Context, id string, status order.Status) (*order.Order, error) {
	var o order.Order
	if err := c.doJSON(ctx, http.MethodPatch, c.url("orders", id, "status"), updateStatusRequest{Status: status}, &o); err != nil {
		return nil, fmt.Errorf("update status of %s: %w", id, err)
	}
	return &o, nil
}

// UpdateDelivery handles the multipart PUT /staff/deliveries/{id}/status.
// proof may be nil for picked-up.
func (c *Client) UpdateDelivery(ctx context.Context, id, deliveryStatus string, proof *Artifact) (*order.Order, error) {
	if deliveryStatus != enum.DeliveryPickedUp && deliveryStatus != enum.DeliveryDelivered {
		return nil, ErrInvalidDeliveryStatus
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("delivery_status", deliveryStatus); err != nil {
		return nil, fmt.Errorf("write delivery_status: %w", err)
	}
	if proof != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="proof_image"; filename=%q`, proof.Filename))
		ct := proof.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create proof part: %w", err)
		}
		if _, err := part.Write(proof.Data); err != nil {
			return nil, fmt.Errorf("write proof part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.url("staff", "deliveries", id, "status"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var o order.Order
	if err := c.do(req, &o); err != nil {
		return nil, fmt.Errorf("update delivery of %s: %w", id, err)
	}
	return &o, nil
}

type rateRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Rate handles POST /orders/{id}/rate.
func (c *Client) Rate(ctx context.Context, id string, rating int, comment string) (*order.Order, error) {
	var o order.Order
	if err := c.doJSON(ctx, http.MethodPost, c.url("orders", id, "rate"), rateRequest{Rating: rating, Comment: comment}, &o); err != nil {
		return nil, fmt.Errorf("rate order %s: %w", id, err)
	}
	return &o, nil
}

// RequestRefund handles POST /orders/{id}/refunds.
func (c *Client) RequestRefund(ctx context.Context, id string, r Refund) error {
	body := make(map[string]string, len(r.Fields)+2)
	for k, v := range r.Fields {
		body[k] = v
	}
	body["issue"] = r.Issue
	body["description"] = r.Description

	if err := c.doJSON(ctx, http.MethodPost, c.url("orders", id, "refunds"), body, nil); err != nil {
		return fmt.Errorf("request refund for %s: %w", id, err)
	}
	return nil
}

// --- Helpers ---

func (c *Client) url(elem ...string) string {
	return c.base.JoinPath(elem...).String()
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &Rejection{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
