// Package gateway is the HTTP client for the remote health platform. Every
// failure is classified into a small taxonomy (validation, transport,
// unauthorized, unsupported) so the sync engine can branch on the error
// kind instead of guessing from strings.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/capability"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransport covers network errors, timeouts, and 5xx responses.
	// Always retryable.
	KindTransport Kind = iota
	// KindValidation covers explicit payload rejections (4xx with a
	// validation body). Never retried automatically.
	KindValidation
	// KindUnauthorized covers 401/403.
	KindUnauthorized
	// KindUnsupported covers endpoints this server version does not serve.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Code    string // server error code, when present
	Message string
	Err     error // wrapped cause, for transport errors
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt could succeed without a local
// change.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// kindOf extracts the Kind from any error chain; non-gateway errors are
// treated as transport failures.
func kindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindTransport
}

// IsValidation reports whether err is a payload rejection.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool { return kindOf(err) == KindTransport }

// IsUnauthorized reports whether err is an auth failure.
func IsUnauthorized(err error) bool { return kindOf(err) == KindUnauthorized }

// IsUnsupported reports whether err marks a missing server capability.
func IsUnsupported(err error) bool { return kindOf(err) == KindUnsupported }

// Client talks to the remote server's REST API.
type Client struct {
	BaseURL  string
	Token    string
	DeviceID string
	HTTP     *http.Client
}

// New creates a gateway client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types ---

// systemInfo is the response from GET /api/system/info.
type systemInfo struct {
	Version string `json:"version"`
}

// importResponse is the server's answer to a create or update.
type importResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// recordPayload is the body sent for creates and updates.
type recordPayload struct {
	OrgUnit    string          `json:"orgUnit"`
	EntityType string          `json:"entityType"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// fetchResponse is the body of a pull.
type fetchResponse struct {
	Records []remoteRecord `json:"records"`
}

type remoteRecord struct {
	ID          string          `json:"id"`
	OrgUnit     string          `json:"orgUnit"`
	EntityType  string          `json:"entityType"`
	LastUpdated string          `json:"lastUpdated"`
	Data        json.RawMessage `json:"data"`
}

// --- Operations ---

// ServerInfo probes the server version used for capability gating.
func (c *Client) ServerInfo(ctx context.Context) (capability.Version, error) {
	var info systemInfo
	if err := c.do(ctx, "GET", "/api/system/info", nil, &info); err != nil {
		return capability.Version{}, err
	}
	return capability.Parse(info.Version), nil
}

// Create pushes a new record and returns the server-assigned remote ID.
func (c *Client) Create(ctx context.Context, rec *models.Record) (string, error) {
	body := recordPayload{
		OrgUnit:    rec.OrgUnit,
		EntityType: rec.EntityType,
		DeviceID:   c.DeviceID,
		Data:       rec.Payload,
	}
	var resp importResponse
	if err := c.do(ctx, "POST", "/api/tracker/records", body, &resp); err != nil {
		return "", err
	}
	if resp.Reference == "" {
		return "", &Error{Kind: KindTransport, Message: "create response missing reference"}
	}
	return resp.Reference, nil
}

// Update pushes the current payload of an already-created record.
func (c *Client) Update(ctx context.Context, remoteID string, rec *models.Record) error {
	body := recordPayload{
		OrgUnit:    rec.OrgUnit,
		EntityType: rec.EntityType,
		DeviceID:   c.DeviceID,
		Data:       rec.Payload,
	}
	return c.do(ctx, "PUT", "/api/tracker/records/"+url.PathEscape(remoteID), body, nil)
}

// Delete removes a record remotely.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	return c.do(ctx, "DELETE", "/api/tracker/records/"+url.PathEscape(remoteID), nil, nil)
}

// Fetch returns the server's records for an org unit, optionally limited to
// those updated since the given time.
func (c *Client) Fetch(ctx context.Context, orgUnit string, since time.Time) ([]models.RemoteRecord, error) {
	params := url.Values{}
	params.Set("orgUnit", orgUnit)
	if !since.IsZero() {
		params.Set("updatedAfter", since.UTC().Format(time.RFC3339))
	}

	var resp fetchResponse
	if err := c.do(ctx, "GET", "/api/tracker/records?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]models.RemoteRecord, 0, len(resp.Records))
	for _, rr := range resp.Records {
		updated, err := time.Parse(time.RFC3339, rr.LastUpdated)
		if err != nil {
			return nil, &Error{Kind: KindTransport,
				Message: fmt.Sprintf("record %s: bad lastUpdated %q", rr.ID, rr.LastUpdated)}
		}
		out = append(out, models.RemoteRecord{
			RemoteID:    rr.ID,
			OrgUnit:     rr.OrgUnit,
			EntityType:  rr.EntityType,
			Payload:     rr.Data,
			LastUpdated: updated,
		})
	}
	return out, nil
}

// --- HTTP plumbing ---

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Message: "http request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransport, Message: "read response failed", Err: err}
	}

	if resp.StatusCode >= 400 {
		return classify(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &Error{Kind: KindTransport, Message: "unmarshal response failed", Err: err}
		}
	}
	return nil
}

// classify maps an HTTP error status plus body to the error taxonomy.
func classify(status int, body []byte) *Error {
	var apiErr importResponse
	json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Code: apiErr.Code, Message: msg}
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return &Error{Kind: KindUnsupported, Code: apiErr.Code, Message: msg}
	case status >= 400 && status < 500:
		return &Error{Kind: KindValidation, Code: apiErr.Code, Message: msg}
	default:
		return &Error{Kind: KindTransport, Code: apiErr.Code, Message: msg}
	}
}
