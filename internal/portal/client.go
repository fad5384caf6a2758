// Package portal is the HTTP client for the portal's public result API: result lookup,
// code issue/resend, code verification, and the gated PDF download.
package portal

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/result/domain"
)

const (
	defaultTimeout = 15 * time.Second
	// maxJSONBody caps JSON responses; maxPDFBody caps downloads.
	maxJSONBody = 1 << 20
	maxPDFBody  = 64 << 20
	// maxErrorBody is how much of an unexpected response body is kept for error messages.
	maxErrorBody = 512

	instrumentationName = "medlab-portal/resultaccess/portal"
)

var (
	// ErrNotFound is returned when the result id does not resolve to any result.
	ErrNotFound = errors.New("portal: result not found")
	// ErrForbidden is returned when the download endpoint refuses the request (no or expired access).
	ErrForbidden = errors.New("portal: access forbidden")
)

// StatusError reports an unexpected HTTP status from the portal (5xx, 429, or an undecodable 4xx).
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server's Retry-After hint, zero if absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("portal: request failed status=%d", e.StatusCode)
	}
	return fmt.Sprintf("portal: request failed status=%d body=%s", e.StatusCode, e.Body)
}

// CodeIssue is the response of request-otp / resend-otp.
type CodeIssue struct {
	Success bool `json:"success"`
	// MaskedContact is the partially redacted phone/contact the code was sent to.
	MaskedContact    string `json:"maskedPhone"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	// DeliveryChannelEnabled is false when the server runs in test mode (code only in server logs).
	DeliveryChannelEnabled bool   `json:"whatsappEnabled"`
	Error                  string `json:"error"`
	Message                string `json:"message"`
}

// NoContact reports whether the server refused to issue a code because no contact is on file.
func (r *CodeIssue) NoContact() bool {
	if r == nil || r.Success {
		return false
	}
	switch strings.ToUpper(strings.TrimSpace(r.Error)) {
	case "NO_PHONE", "NO_CONTACT":
		return true
	}
	return false
}

// Verification is the response of verify-otp.
type Verification struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	// AccessToken, when present, must be presented on download.
	AccessToken string `json:"accessToken"`
}

// resultInfo is the wire shape of GET /public/results/{id}. Contact fields the server
// may also send (patientPhone, patientEmail) are deliberately not decoded.
type resultInfo struct {
	ID               string `json:"id"`
	ReferenceDossier string `json:"referenceDossier"`
	PatientFirstName string `json:"patientFirstName"`
	PatientLastName  string `json:"patientLastName"`
	PatientBirthdate string `json:"patientBirthdate"`
}

// Client calls the portal's public result endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	logger   *zap.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
}

// NewClient returns a client for the API rooted at baseURL (e.g. http://localhost:8080/api).
// timeout <= 0 uses 15s. logger may be nil.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("portal.requests",
		metric.WithDescription("Portal API calls by operation and outcome"))
	if err != nil {
		logging.OrNop(logger).Warn("portal: metric init failed", zap.Error(err))
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
		tracer:     otel.Tracer(instrumentationName),
		requests:   requests,
	}
}

// Lookup fetches the display-safe metadata of a result. Returns ErrNotFound when the id does not resolve.
func (c *Client) Lookup(ctx context.Context, resultID string) (*domain.Reference, error) {
	ctx, span := c.startSpan(ctx, "portal.Lookup", resultID)
	defer span.End()

	if strings.TrimSpace(resultID) == "" {
		c.finish(ctx, span, "lookup", ErrNotFound)
		return nil, ErrNotFound
	}
	resp, err := c.do(ctx, http.MethodGet, c.resultURL(resultID, ""), nil, "")
	if err != nil {
		c.finish(ctx, span, "lookup", err)
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		// The original server answers 400 for ids that are not UUIDs; both mean "no such result".
		c.finish(ctx, span, "lookup", ErrNotFound)
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		err := statusError(resp)
		c.finish(ctx, span, "lookup", err)
		return nil, err
	}

	var info resultInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&info); err != nil {
		err = fmt.Errorf("portal: decode result info: %w", err)
		c.finish(ctx, span, "lookup", err)
		return nil, err
	}
	ref := &domain.Reference{
		ID:               resultID,
		ReferenceCode:    info.ReferenceDossier,
		PatientFirstName: info.PatientFirstName,
		PatientLastName:  info.PatientLastName,
		PatientBirthdate: parseBirthdate(info.PatientBirthdate),
	}
	c.finish(ctx, span, "lookup", nil)
	return ref, nil
}

// RequestCode asks the server to issue a code for the result. A refused issue (e.g. NO_PHONE)
// is returned as a CodeIssue with Success false, not as an error.
func (c *Client) RequestCode(ctx context.Context, resultID string) (*CodeIssue, error) {
	return c.issue(ctx, "request-otp", resultID)
}

// ResendCode asks the server to issue a fresh code, replacing the previous one.
func (c *Client) ResendCode(ctx context.Context, resultID string) (*CodeIssue, error) {
	return c.issue(ctx, "resend-otp", resultID)
}

func (c *Client) issue(ctx context.Context, op, resultID string) (*CodeIssue, error) {
	ctx, span := c.startSpan(ctx, "portal."+op, resultID)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPost, c.resultURL(resultID, op), nil, "")
	if err != nil {
		c.finish(ctx, span, op, err)
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		c.finish(ctx, span, op, ErrNotFound)
		return nil, ErrNotFound
	}
	var out CodeIssue
	if err := decodeBusinessResponse(resp, &out); err != nil {
		c.finish(ctx, span, op, err)
		return nil, err
	}
	c.finish(ctx, span, op, nil)
	return &out, nil
}

// VerifyCode submits a code. A wrong or expired code is a Verification with Success false;
// transport failures and 5xx/429 responses are returned as errors.
func (c *Client) VerifyCode(ctx context.Context, resultID, code string) (*Verification, error) {
	ctx, span := c.startSpan(ctx, "portal.verify-otp", resultID)
	defer span.End()

	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		c.finish(ctx, span, "verify-otp", err)
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.resultURL(resultID, "verify-otp"), body, "")
	if err != nil {
		c.finish(ctx, span, "verify-otp", err)
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		c.finish(ctx, span, "verify-otp", ErrNotFound)
		return nil, ErrNotFound
	}
	var out Verification
	if err := decodeBusinessResponse(resp, &out); err != nil {
		c.finish(ctx, span, "verify-otp", err)
		return nil, err
	}
	c.finish(ctx, span, "verify-otp", nil)
	return &out, nil
}

// Download fetches the result PDF. accessToken, when non-empty, is sent as a Bearer token.
// Returns the body bytes and the response content type.
func (c *Client) Download(ctx context.Context, resultID, accessToken string) ([]byte, string, error) {
	ctx, span := c.startSpan(ctx, "portal.download", resultID)
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, c.resultURL(resultID, "download"), nil, accessToken)
	if err != nil {
		c.finish(ctx, span, "download", err)
		return nil, "", err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.finish(ctx, span, "download", ErrNotFound)
		return nil, "", ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		c.finish(ctx, span, "download", ErrForbidden)
		return nil, "", ErrForbidden
	default:
		err := statusError(resp)
		c.finish(ctx, span, "download", err)
		return nil, "", err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBody+1))
	if err != nil {
		err = fmt.Errorf("portal: read download: %w", err)
		c.finish(ctx, span, "download", err)
		return nil, "", err
	}
	if len(data) > maxPDFBody {
		err := fmt.Errorf("portal: download exceeds %d bytes", maxPDFBody)
		c.finish(ctx, span, "download", err)
		return nil, "", err
	}
	span.SetAttributes(attribute.Int("http.response.body.size", len(data)))
	c.finish(ctx, span, "download", nil)
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) resultURL(resultID, action string) string {
	u := c.BaseURL + "/public/results/" + url.PathEscape(resultID)
	if action != "" {
		u += "/" + action
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, bearer string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/pdf")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: %s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

func (c *Client) startSpan(ctx context.Context, name, resultID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("result.id", resultID)))
}

// finish records the call outcome on the span and the request counter, and logs failures.
func (c *Client) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrNotFound) {
			outcome = "not_found"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Debug("portal call failed", zap.String("op", op), zap.Error(err))
	}
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
}

// decodeBusinessResponse decodes JSON {success,...} bodies for 2xx and for 4xx other than 429.
// Any other status, or an undecodable 4xx, is a StatusError.
func decodeBusinessResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return statusError(resp)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return statusError(resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return fmt.Errorf("portal: read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 400 {
			return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
		}
		return fmt.Errorf("portal: decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(b))}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

func parseBirthdate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
