// Package httpgateway implements the mutation gateway against the visit
// service's JSON API.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

const defaultTimeout = 15 * time.Second

// Config holds the connection settings for the visit service
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// TokenSource, when set, authorises requests instead of APIKey
	TokenSource oauth2.TokenSource
}

// Client talks to the visit service. Requests are rate limited client-side
// so a burst of reconciliation polls cannot flood the service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient creates a client for the service at cfg.BaseURL
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	httpClient := &http.Client{Timeout: timeout}
	apiKey := cfg.APIKey
	if cfg.TokenSource != nil {
		httpClient.Transport = &oauth2.Transport{Source: cfg.TokenSource, Base: http.DefaultTransport}
		apiKey = ""
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     apiKey,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Create creates a draft visit
func (c *Client) Create(ctx context.Context, req gateway.CreateVisitRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}
	return c.visit(ctx, "create", http.MethodPost, "/visits", req)
}

// Update patches a visit
func (c *Client) Update(ctx context.Context, id string, patch gateway.VisitPatch) (model.Visit, error) {
	if err := gateway.ValidateRequest(patch); err != nil {
		return model.Visit{}, err
	}
	return c.visit(ctx, "update", http.MethodPatch, visitPath(id), patch)
}

// Submit sends a draft for approval
func (c *Client) Submit(ctx context.Context, id string, approverID string) (model.Visit, error) {
	body := map[string]string{"ApproverID": approverID}
	return c.visit(ctx, "submit", http.MethodPost, visitPath(id, "submit"), body)
}

// ProcessApproval records an approve, reject or postpone decision
func (c *Client) ProcessApproval(ctx context.Context, id string, req gateway.ApprovalRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}
	return c.visit(ctx, "processApproval", http.MethodPost, visitPath(id, "approval"), req)
}

type startBody struct {
	StartedBy string          `json:"StartedBy"`
	Location  *model.Location `json:"Location,omitempty"`
}

// Start moves an approved visit into progress
func (c *Client) Start(ctx context.Context, id string, startedBy string, req gateway.StartRequest) (model.Visit, error) {
	return c.visit(ctx, "start", http.MethodPost, visitPath(id, "start"), startBody{StartedBy: startedBy, Location: req.Location})
}

// Fill routes the form to the Layer or Dairy detail resource. A request carrying
// a DetailID updates that record; otherwise a new one is created.
func (c *Client) Fill(ctx context.Context, farmType model.FarmType, req gateway.FillRequest) (model.DetailRecord, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.DetailRecord{}, err
	}

	resource, err := detailResource(farmType, req)
	if err != nil {
		return model.DetailRecord{}, err
	}

	method, path := http.MethodPost, "/"+resource
	if req.DetailID != "" {
		method, path = http.MethodPut, "/"+resource+"/"+url.PathEscape(req.DetailID)
	}

	raw, err := c.do(ctx, "fill", method, path, req)
	if err != nil {
		return model.DetailRecord{}, err
	}
	if raw == nil {
		return model.DetailRecord{}, fmt.Errorf("fill: empty response")
	}

	rec, err := gateway.DecodeDetail(raw)
	if err != nil {
		return model.DetailRecord{}, fmt.Errorf("failed to decode fill response: %w", err)
	}
	if rec.ScheduleID == "" {
		rec.ScheduleID = req.ScheduleID
	}
	return rec, nil
}

func detailResource(farmType model.FarmType, req gateway.FillRequest) (string, error) {
	ft, ok := model.ParseFarmType(string(farmType))
	if !ok {
		return "", &gateway.ValidationError{Fields: map[string]string{"FarmType": fmt.Sprintf("unknown farm type %q", farmType)}}
	}

	switch ft {
	case model.FarmLayer:
		if req.Layer == nil {
			return "", &gateway.MissingFieldError{Field: "Layer"}
		}
		return "layer-visits", nil
	case model.FarmDairy:
		if req.Dairy == nil {
			return "", &gateway.MissingFieldError{Field: "Dairy"}
		}
		return "dairy-visits", nil
	default:
		return "", &gateway.ValidationError{Fields: map[string]string{"FarmType": fmt.Sprintf("%s visits have no detail form", ft)}}
	}
}

// Complete finishes an in-progress visit
func (c *Client) Complete(ctx context.Context, id string, req gateway.CompleteRequest) (model.Visit, error) {
	if err := gateway.ValidateRequest(req); err != nil {
		return model.Visit{}, err
	}
	return c.visit(ctx, "complete", http.MethodPost, visitPath(id, "complete"), req)
}

// Cancel moves a draft or scheduled visit to Cancelled
func (c *Client) Cancel(ctx context.Context, id string, actor string, reason string) (model.Visit, error) {
	body := map[string]string{"CancelledBy": actor, "Reason": reason}
	return c.visit(ctx, "cancel", http.MethodPost, visitPath(id, "cancel"), body)
}

// Delete soft-deletes a visit
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, visitPath(id), nil)
	return withID(err, id)
}

// GetFilledForm returns the visit and its detail form, or an empty FilledForm
func (c *Client) GetFilledForm(ctx context.Context, id string) (model.FilledForm, error) {
	raw, err := c.do(ctx, "getFilledForm", http.MethodGet, visitPath(id, "filled-form"), nil)
	if err != nil {
		return model.FilledForm{}, withID(err, id)
	}

	form, err := gateway.DecodeFilledForm(raw)
	if err != nil {
		return model.FilledForm{}, fmt.Errorf("failed to decode filled form: %w", err)
	}
	if form.Schedule != nil {
		c.warnUnknownStatus("getFilledForm", *form.Schedule)
	}
	return form, nil
}

// Get returns a single visit
func (c *Client) Get(ctx context.Context, id string) (model.Visit, error) {
	return c.visit(ctx, "get", http.MethodGet, visitPath(id), nil)
}

// List returns the visits matching the server-side filter
func (c *Client) List(ctx context.Context, filter gateway.ListFilter) ([]model.Visit, error) {
	q := url.Values{}
	if filter.AdvisorID != "" {
		q.Set("advisorId", filter.AdvisorID)
	}
	if filter.FarmID != "" {
		q.Set("farmId", filter.FarmID)
	}
	if filter.FarmType != "" {
		q.Set("farmType", string(filter.FarmType))
	}
	if filter.UrgentOnly {
		q.Set("urgent", "true")
	}
	if filter.IncludeDeleted {
		q.Set("includeDeleted", "true")
	}

	path := "/visits"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := c.do(ctx, "list", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	visits, skipped, err := gateway.DecodeVisits(raw)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		c.logger.Warn("Skipping undecodable visit", zap.Error(e))
	}
	for _, v := range visits {
		c.warnUnknownStatus("list", v)
	}

	// Older service versions ignore some query parameters
	out := visits[:0]
	for _, v := range visits {
		if filter.Matches(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *Client) visit(ctx context.Context, op, method, path string, body interface{}) (model.Visit, error) {
	raw, err := c.do(ctx, op, method, path, body)
	if err != nil {
		return model.Visit{}, err
	}
	if raw == nil {
		return model.Visit{}, fmt.Errorf("%s: empty response", op)
	}

	v, err := gateway.DecodeVisit(raw)
	if err != nil {
		return model.Visit{}, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	c.warnUnknownStatus(op, v)
	return v, nil
}

func (c *Client) warnUnknownStatus(op string, v model.Visit) {
	if unknown := gateway.UnknownStatuses(v); len(unknown) > 0 {
		c.logger.Warn("Unrecognised visit status",
			zap.String("op", op),
			zap.String("schedule_id", v.ScheduleID),
			zap.Strings("values", unknown))
	}
}

// do sends one request and returns the unwrapped payload. Transport failures
// become NetworkError; non-2xx responses are normalised into the gateway taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &gateway.NetworkError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("Sending request", zap.String("op", op), zap.String("method", method), zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &gateway.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gateway.NetworkError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(data, 512)))
		return nil, gateway.NormalizeError(resp.StatusCode, data)
	}

	return gateway.Unwrap(data)
}

func visitPath(id string, sub ...string) string {
	p := "/visits/" + url.PathEscape(id)
	for _, s := range sub {
		p += "/" + s
	}
	return p
}

// withID attaches the requested id to a not-found error that lacks one
func withID(err error, id string) error {
	var nf *gateway.NotFoundError
	if errors.As(err, &nf) && nf.ID == "" {
		nf.ID = id
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(" + strconv.Itoa(len(b)-n) + " more bytes)"
}
