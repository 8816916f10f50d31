// Package provider talks to the email delivery provider's REST API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

// ErrMetricsNotReady is returned while the provider is still aggregating results.
var ErrMetricsNotReady = fmt.Errorf("%w: delivery metrics not ready", errs.ErrTransient)

// Client implements every provider port over HTTP with a bearer key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds the single provider client a worker process shares.
func NewClient(cfg config.Config, log *zap.Logger) *Client {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ProviderBaseURL, "/"),
		apiKey:  cfg.ProviderAPIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type sendRequest struct {
	RoundID      string `json:"round_id"`
	CampaignName string `json:"campaign_name"`
	RoundNumber  int    `json:"round_number"`
	ListID       string `json:"list_id"`
	TemplateRef  string `json:"template_ref"`
}

func sendRequestFor(r models.CampaignRound) sendRequest {
	return sendRequest{
		RoundID:      r.ID,
		CampaignName: r.CampaignName,
		RoundNumber:  r.RoundNumber,
		ListID:       r.ListID,
		TemplateRef:  r.TemplateRef,
	}
}

// CheckReadiness runs the provider's pre-flight checks for the round.
func (c *Client) CheckReadiness(ctx context.Context, round models.CampaignRound) (models.Readiness, error) {
	var out models.Readiness
	if err := c.do(ctx, http.MethodPost, "/v1/readiness", sendRequestFor(round), &out); err != nil {
		return models.Readiness{}, fmt.Errorf("check readiness for %s: %w", round.ID, err)
	}
	switch out.Outcome {
	case models.ReadinessReady, models.ReadinessWarning, models.ReadinessBlocked:
		return out, nil
	default:
		return models.Readiness{}, errs.Transient("unexpected readiness outcome %q", out.Outcome)
	}
}

// SendRound triggers the send. The round id doubles as the provider's idempotency key.
func (c *Client) SendRound(ctx context.Context, round models.CampaignRound) (models.SendResult, error) {
	var out models.SendResult
	if err := c.do(ctx, http.MethodPost, "/v1/sends", sendRequestFor(round), &out); err != nil {
		return models.SendResult{}, fmt.Errorf("send round %s: %w", round.ID, err)
	}
	if out.ProviderMessageID == "" {
		return models.SendResult{}, errs.Transient("send round %s: provider returned no message id", round.ID)
	}
	return out, nil
}

// FetchDeliveryMetrics returns ErrMetricsNotReady until the provider has results.
func (c *Client) FetchDeliveryMetrics(ctx context.Context, providerCampaignID string) (models.DeliveryMetrics, error) {
	var out models.DeliveryMetrics
	err := c.do(ctx, http.MethodGet, "/v1/sends/"+url.PathEscape(providerCampaignID)+"/metrics", nil, &out)
	if errs.IsStatus(err, http.StatusAccepted, http.StatusNotFound) {
		return models.DeliveryMetrics{}, ErrMetricsNotReady
	}
	if err != nil {
		return models.DeliveryMetrics{}, fmt.Errorf("fetch metrics %s: %w", providerCampaignID, err)
	}
	return out, nil
}

type bouncePage struct {
	Events []models.BounceEvent `json:"events"`
}

// FetchBounceEvents reads one page of bounce and block events.
func (c *Client) FetchBounceEvents(ctx context.Context, providerCampaignID string, offset, limit int) ([]models.BounceEvent, error) {
	q := url.Values{"offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(limit)}}
	var out bouncePage
	path := "/v1/sends/" + url.PathEscape(providerCampaignID) + "/bounces?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch bounces %s offset=%d: %w", providerCampaignID, offset, err)
	}
	return out.Events, nil
}

type contactRequest struct {
	ContactID string `json:"contact_id"`
}

// RemoveFromList removes a contact. A contact that is already absent is not an error.
func (c *Client) RemoveFromList(ctx context.Context, listID, contactID string) error {
	path := "/v1/lists/" + url.PathEscape(listID) + "/contacts/" + url.PathEscape(contactID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errs.IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// AddToList appends a contact to the end of a list.
func (c *Client) AddToList(ctx context.Context, listID, contactID string) error {
	path := "/v1/lists/" + url.PathEscape(listID) + "/contacts"
	return c.do(ctx, http.MethodPost, path, contactRequest{ContactID: contactID}, nil)
}

// AddToSuppressionList blocks future sends to the contact at the provider.
func (c *Client) AddToSuppressionList(ctx context.Context, contactID string) error {
	return c.do(ctx, http.MethodPost, "/v1/suppressions", contactRequest{ContactID: contactID}, nil)
}

type membersPage struct {
	Members []models.ListMember `json:"members"`
}

// ListMembers returns the list's contacts in insertion order.
func (c *Client) ListMembers(ctx context.Context, listID string) ([]models.ListMember, error) {
	const pageSize = 500
	var all []models.ListMember
	for offset := 0; ; offset += pageSize {
		q := url.Values{"offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(pageSize)}, "order": {"added_at"}}
		var page membersPage
		if err := c.do(ctx, http.MethodGet, "/v1/lists/"+url.PathEscape(listID)+"/contacts?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list members %s: %w", listID, err)
		}
		all = append(all, page.Members...)
		if len(page.Members) < pageSize {
			return all, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errs.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transient("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted && out != nil {
		return errs.StatusError(resp.StatusCode, errs.ErrTransient, "%s %s: accepted, not ready", method, path)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Debug("provider call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return classifyStatus(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, path, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Transient("decode %s %s: %v", method, path, err)
	}
	return nil
}

// classifyStatus maps rate limits and server errors to transient, and other client
// errors to validation failures that retrying cannot fix.
func classifyStatus(status int, msg string) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return errs.StatusError(status, errs.ErrTransient, "%s", msg)
	case status == http.StatusNotFound || status == http.StatusConflict:
		return errs.StatusError(status, errs.ErrTransient, "%s", msg)
	default:
		return errs.StatusError(status, errs.ErrValidation, "%s", msg)
	}
}
