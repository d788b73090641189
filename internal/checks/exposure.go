package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

const probeBodyLimit = 1 << 20

var (
	envFileLine   = regexp.MustCompile(`(?m)^[A-Z][A-Z0-9_]{2,}=\S`)
	adminKeywords = []string{"admin", "dashboard", "jenkins", "phpmyadmin", "kibana", "grafana", "console", "management"}
)

// exposure is one thing a probed path turned out to be.
type exposure struct {
	name     string
	severity types.Severity
}

// ExposureCheck probes well-known paths for API descriptions, debug endpoints
// and administrative panels reachable without authentication.
type ExposureCheck struct {
	client *http.Client
	paths  []string
	logger *logger.Logger
}

type ExposureOption func(*ExposureCheck)

func WithProbeClient(hc *http.Client) ExposureOption {
	return func(c *ExposureCheck) { c.client = hc }
}

func NewExposureCheck(cfg config.ExposureConfig, log *logger.Logger, opts ...ExposureOption) *ExposureCheck {
	c := &ExposureCheck{
		client: httpclient.New(httpclient.ProbeConfig(cfg.Timeout, cfg.UserAgent)),
		paths:  cfg.Paths,
		logger: log.WithComponent("exposure-check"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ExposureCheck) Kind() types.CheckKind {
	return types.CheckExposedInterface
}

// Run returns the first exposure in path order. It fails only when no path
// could be fetched at all.
func (c *ExposureCheck) Run(ctx context.Context, target types.Asset) (*types.Finding, error) {
	const op = "exposure.Run"
	base := strings.TrimRight(target.URL(), "/")

	var (
		reached bool
		lastErr error
	)
	for _, path := range c.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, header, body, err := c.fetch(ctx, base+path)
		if err != nil {
			lastErr = err
			c.logger.Debugw("Probe failed", "target", target, "path", path, "error", err)
			continue
		}
		reached = true
		if status != http.StatusOK {
			continue
		}

		exp, ok := classify(path, header.Get("Content-Type"), body)
		if !ok {
			continue
		}
		c.logger.Infow("Exposed interface detected", "target", target, "path", path, "exposure", exp.name)
		return &types.Finding{
			Evidence:     fmt.Sprintf("GET %s -> %d\n%s", path, status, snippet(body, 300)),
			SeverityHint: exp.severity,
			Title:        fmt.Sprintf("%s exposed at %s", exp.name, path),
			Metadata: map[string]string{
				"path":         path,
				"exposure":     exp.name,
				"content_type": header.Get("Content-Type"),
			},
		}, nil
	}

	if !reached && lastErr != nil {
		return nil, hunterr.Check(op, lastErr)
	}
	return nil, nil
}

func (c *ExposureCheck) fetch(ctx context.Context, url string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, probeBodyLimit)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// classify decides what a 200 response actually exposes. Soft-404 pages and
// generic landing pages classify as nothing.
func classify(path, contentType string, body []byte) (exposure, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return exposure{}, false
	}

	if trimmed[0] == '{' {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			switch {
			case has(doc, "swagger"), has(doc, "openapi"):
				return exposure{"API specification", types.SeverityLow}, true
			case has(doc, "propertySources"), has(doc, "activeProfiles"):
				return exposure{"Spring Boot actuator environment", types.SeverityHigh}, true
			case has(doc, "data") && strings.Contains(path, "graphql"):
				return exposure{"GraphQL endpoint", types.SeverityLow}, true
			}
		}
		return exposure{}, false
	}

	if strings.HasSuffix(path, ".env") && !strings.Contains(contentType, "html") {
		if len(envFileLine.FindAll(trimmed, 3)) >= 2 {
			return exposure{"Environment file", types.SeverityHigh}, true
		}
		return exposure{}, false
	}

	if strings.Contains(contentType, "html") || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
		return classifyHTML(body)
	}
	return exposure{}, false
}

func classifyHTML(body []byte) (exposure, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return exposure{}, false
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if strings.Contains(title, "apache status") {
		return exposure{"Apache server-status page", types.SeverityMedium}, true
	}
	if strings.Contains(title, "swagger ui") || doc.Find("#swagger-ui").Length() > 0 {
		return exposure{"Swagger UI", types.SeverityLow}, true
	}

	for _, kw := range adminKeywords {
		if !strings.Contains(title, kw) {
			continue
		}
		if doc.Find(`input[type="password"]`).Length() > 0 {
			return exposure{"Administrative login", types.SeverityLow}, true
		}
		return exposure{"Administrative interface", types.SeverityMedium}, true
	}
	return exposure{}, false
}

func has(doc map[string]json.RawMessage, key string) bool {
	_, ok := doc[key]
	return ok
}

func snippet(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
