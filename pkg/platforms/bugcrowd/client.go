// Package bugcrowd adapts the Bugcrowd API to the session and platform
// capabilities.
package bugcrowd

import (
	"bytes"
	"context"
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
	Name         = "bugcrowd"
	maxBodyBytes = 4 << 20
)

var scannableCategories = map[string]bool{
	"website": true,
	"api":     true,
	"other":   true,
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is both the session used for scope extraction and the platform
// submissions are filed to.
type Client struct {
	config     config.BugcrowdConfig
	program    types.Program
	httpClient *http.Client
	logger     *logger.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(cfg config.BugcrowdConfig, program types.Program, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		config:     cfg,
		program:    program,
		token:      cfg.APIToken,
		httpClient: httpclient.New(httpclient.PlatformConfig(cfg.Timeout)),
		logger:     log.WithComponent("bugcrowd"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return Name
}

// Login validates the token. Bugcrowd tokens carry no username.
func (c *Client) Login(ctx context.Context, creds core.Credentials) error {
	const op = "bugcrowd.Login"
	if creds.Secret == "" {
		return hunterr.Authentication(op, errors.New("API token is required"))
	}

	c.mu.Lock()
	c.token = creds.Secret
	c.mu.Unlock()

	status, body, err := c.do(ctx, http.MethodGet, "/programs", nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return platforms.CheckAuth(op, status, body)
}

func (c *Client) ExtractScope(ctx context.Context, program types.Program) ([]types.Asset, error) {
	const op = "bugcrowd.ExtractScope"

	status, body, err := c.do(ctx, http.MethodGet, "/programs/"+url.PathEscape(string(program)), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := platforms.CheckAuth(op, status, body); err != nil {
		return nil, err
	}

	var p programData
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	if p.State != "" && p.State != "active" {
		return nil, fmt.Errorf("%s: program %s is %s", op, program, p.State)
	}

	var assets []types.Asset
	for _, t := range p.Targets {
		if t.InScope && scannableCategories[strings.ToLower(t.Category)] {
			assets = append(assets, types.Asset(strings.TrimPrefix(t.Name, "*.")))
		}
	}
	c.logger.Infow("Extracted program scope", "program", program, "in_scope", len(assets), "targets", len(p.Targets))
	return assets, nil
}

func (c *Client) SubmitReport(ctx context.Context, f types.Finding) (*types.SubmitOutcome, error) {
	const op = "bugcrowd.SubmitReport"

	report := platforms.BuildReport(c.program, f)
	if err := report.Validate(); err != nil {
		return &types.SubmitOutcome{RejectedReason: "invalid report: " + err.Error()}, nil
	}

	payload := createSubmissionPayload{
		Submission: submissionData{
			Title:       report.Title,
			Description: report.Body(),
			VrtID:       vrtIDs[f.CheckKind],
			URL:         report.AssetURL,
			Priority:    platforms.GetSeverityMapping(Name).Map(report.Severity),
			Impact:      report.Impact,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal payload: %w", op, err)
	}

	path := fmt.Sprintf("/programs/%s/submissions", url.PathEscape(report.ProgramHandle))
	status, body, err := c.do(ctx, http.MethodPost, path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return platforms.ClassifySubmission(op, status, body)
	}

	var created createSubmissionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	if created.UUID == "" {
		return nil, fmt.Errorf("%s: response carried no submission uuid", op)
	}
	if created.Substate == "duplicate" {
		return &types.SubmitOutcome{Duplicate: true, ReportID: created.UUID}, nil
	}
	return &types.SubmitOutcome{Submitted: true, ReportID: created.UUID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.RLock()
	req.Header.Set("Authorization", "Token "+c.token)
	c.mu.RUnlock()
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
