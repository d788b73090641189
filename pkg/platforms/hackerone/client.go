// Package hackerone adapts the HackerOne hacker API to the session and
// platform capabilities.
package hackerone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/platforms"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

const (
	Name         = "hackerone"
	maxBodyBytes = 4 << 20
)

// Scannable asset types. Mobile apps, source code and hardware are skipped.
var scannableAssetTypes = map[string]bool{
	"URL":      true,
	"WILDCARD": true,
	"DOMAIN":   true,
	"API":      true,
}

type Option func(*Client)

// WithHTTPClient replaces the hardened default client, e.g. for httptest.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is both the session used for scope extraction and the platform
// reports are submitted to. Reports go to the program it was built for.
type Client struct {
	config     config.HackerOneConfig
	program    types.Program
	httpClient *http.Client
	logger     *logger.Logger

	mu    sync.RWMutex
	creds core.Credentials
}

func NewClient(cfg config.HackerOneConfig, program types.Program, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		config:     cfg,
		program:    program,
		httpClient: httpclient.New(httpclient.PlatformConfig(cfg.Timeout)),
		logger:     log.WithComponent("hackerone"),
	}
	if cfg.APIToken != "" {
		c.creds = core.Credentials{Username: cfg.APIUsername, Secret: cfg.APIToken}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return Name
}

// Login stores the API identifier and token and checks them against /me.
func (c *Client) Login(ctx context.Context, creds core.Credentials) error {
	const op = "hackerone.Login"
	if creds.Username == "" || creds.Secret == "" {
		return hunterr.Authentication(op, errors.New("API username and token are required"))
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	status, body, err := c.do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := platforms.CheckAuth(op, status, body); err != nil {
		return err
	}
	c.logger.Infow("Authenticated", "username", creds.Username)
	return nil
}

// ExtractScope returns the bounty-eligible web assets of program.
func (c *Client) ExtractScope(ctx context.Context, program types.Program) ([]types.Asset, error) {
	const op = "hackerone.ExtractScope"

	status, body, err := c.do(ctx, http.MethodGet, "/hackers/programs/"+url.PathEscape(string(program)), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := platforms.CheckAuth(op, status, body); err != nil {
		return nil, err
	}

	var response programResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}

	var assets []types.Asset
	skipped := 0
	for _, s := range response.Relationships.StructuredScopes.Data {
		a := s.Attributes
		if !a.EligibleForBounty || !scannableAssetTypes[strings.ToUpper(a.AssetType)] {
			skipped++
			continue
		}
		assets = append(assets, types.Asset(strings.TrimPrefix(a.AssetIdentifier, "*.")))
	}

	c.logger.Infow("Extracted program scope",
		"program", program,
		"in_scope", len(assets),
		"skipped", skipped,
	)
	return assets, nil
}

// SubmitReport files the finding as a report to the client's program.
func (c *Client) SubmitReport(ctx context.Context, f types.Finding) (*types.SubmitOutcome, error) {
	const op = "hackerone.SubmitReport"

	report := platforms.BuildReport(c.program, f)
	if err := report.Validate(); err != nil {
		return &types.SubmitOutcome{RejectedReason: "invalid report: " + err.Error()}, nil
	}

	payload := createReportPayload{
		Data: createReportData{
			Type: "report",
			Attributes: reportAttributes{
				TeamHandle:               report.ProgramHandle,
				Title:                    report.Title,
				VulnerabilityInformation: report.Body(),
				Impact:                   report.Impact,
				SeverityRating:           platforms.GetSeverityMapping(Name).Map(report.Severity),
				WeaknessID:               report.CWE,
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal payload: %w", op, err)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/hackers/reports", data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return platforms.ClassifySubmission(op, status, body)
	}

	var created createReportResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	if created.Data.ID == "" {
		return nil, fmt.Errorf("%s: response carried no report id", op)
	}

	// HackerOne may accept the report and immediately close it as a duplicate.
	if created.Data.Attributes.State == "duplicate" {
		return &types.SubmitOutcome{Duplicate: true, ReportID: created.Data.ID}, nil
	}
	return &types.SubmitOutcome{Submitted: true, ReportID: created.Data.ID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer httpclient.CloseBody(resp)

	data, err := httpclient.ReadBody(resp, maxBodyBytes)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// setAuthHeader uses HTTP basic auth with the API identifier and token.
func (c *Client) setAuthHeader(req *http.Request) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Secret))
	req.Header.Set("Authorization", "Basic "+encoded)
}
