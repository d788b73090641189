// Package checks holds the concrete Check capabilities registered with the
// orchestrator.
package checks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// nucleiTags selects the template tags run for each kind.
var nucleiTags = map[types.CheckKind]string{
	types.CheckXSS:              "xss",
	types.CheckSQLi:             "sqli",
	types.CheckOpenRedirect:     "redirect",
	types.CheckSSRF:             "ssrf",
	types.CheckMisconfiguration: "misconfig",
}

// CommandRunner executes a binary and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type nucleiOutput struct {
	TemplateID       string     `json:"template-id"`
	Info             nucleiInfo `json:"info"`
	Type             string     `json:"type"`
	Host             string     `json:"host"`
	Matched          string     `json:"matched-at"`
	ExtractedResults []string   `json:"extracted-results,omitempty"`
	Timestamp        string     `json:"timestamp"`
	CurlCommand      string     `json:"curl-command,omitempty"`
}

type nucleiInfo struct {
	Name        string   `json:"name"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	Reference   []string `json:"reference,omitempty"`
	Severity    string   `json:"severity"`
}

// NucleiCheck runs the nuclei templates tagged for one kind against a target.
type NucleiCheck struct {
	kind   types.CheckKind
	tags   string
	cfg    config.NucleiConfig
	run    CommandRunner
	logger *logger.Logger
}

type NucleiOption func(*NucleiCheck)

func WithCommandRunner(r CommandRunner) NucleiOption {
	return func(c *NucleiCheck) { c.run = r }
}

func NewNucleiCheck(kind types.CheckKind, cfg config.NucleiConfig, log *logger.Logger, opts ...NucleiOption) (*NucleiCheck, error) {
	tags, ok := nucleiTags[kind]
	if !ok {
		return nil, fmt.Errorf("no nuclei templates for check %s", kind)
	}
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}

	c := &NucleiCheck{
		kind:   kind,
		tags:   tags,
		cfg:    cfg,
		logger: log.WithComponent("nuclei-check").WithFields("check", kind),
	}
	c.run = c.execNuclei
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *NucleiCheck) Kind() types.CheckKind {
	return c.kind
}

func (c *NucleiCheck) Run(ctx context.Context, target types.Asset) (*types.Finding, error) {
	op := "nuclei." + string(c.kind)

	out, err := c.run(ctx, c.cfg.BinaryPath, c.args(target)...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, hunterr.PermanentCheck(op, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, hunterr.Check(op, err)
	}

	results := c.parse(out)
	if len(results) == 0 {
		return nil, nil
	}

	// Report the most severe match; the rest ride along as metadata.
	sort.SliceStable(results, func(i, j int) bool {
		return mapNucleiSeverity(results[i].Info.Severity).Rank() > mapNucleiSeverity(results[j].Info.Severity).Rank()
	})
	best := results[0]

	meta := map[string]string{
		"template_id": best.TemplateID,
		"matched_at":  best.Matched,
		"source":      "nuclei",
	}
	if len(best.Info.Tags) > 0 {
		meta["tags"] = strings.Join(best.Info.Tags, ",")
	}
	if len(best.Info.Reference) > 0 {
		meta["reference"] = best.Info.Reference[0]
	}
	if len(results) > 1 {
		meta["other_matches"] = strconv.Itoa(len(results) - 1)
	}

	return &types.Finding{
		Evidence:     buildNucleiEvidence(best),
		SeverityHint: mapNucleiSeverity(best.Info.Severity),
		Title:        best.Info.Name,
		Metadata:     meta,
	}, nil
}

func (c *NucleiCheck) args(target types.Asset) []string {
	args := []string{
		"-u", target.URL(),
		"-tags", c.tags,
		"-jsonl",
		"-silent",
		"-no-color",
		"-rate-limit", strconv.Itoa(c.cfg.RateLimit),
		"-retries", strconv.Itoa(c.cfg.Retries),
	}
	if c.cfg.Timeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(int(c.cfg.Timeout.Seconds())))
	}
	if c.cfg.TemplatesPath != "" {
		args = append(args, "-t", c.cfg.TemplatesPath)
	}
	return args
}

// parse reads nuclei's JSON-lines output, skipping lines that are not results.
func (c *NucleiCheck) parse(out []byte) []nucleiOutput {
	var results []nucleiOutput
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r nucleiOutput
		if err := json.Unmarshal(line, &r); err != nil {
			c.logger.Debugw("Skipping unparseable nuclei line", "error", err)
			continue
		}
		if r.TemplateID == "" {
			continue
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warnw("Nuclei output truncated", "error", err)
	}
	return results
}

func (c *NucleiCheck) execNuclei(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debugw("Running nuclei", "args", args)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// nuclei exits 1 when it matched something; stdout is still valid.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && stdout.Len() > 0 {
			return stdout.Bytes(), nil
		}
		return nil, fmt.Errorf("nuclei failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func mapNucleiSeverity(severity string) types.Severity {
	switch strings.ToLower(severity) {
	case "critical":
		return types.SeverityCritical
	case "high":
		return types.SeverityHigh
	case "medium":
		return types.SeverityMedium
	case "low":
		return types.SeverityLow
	default:
		return types.SeverityInfo
	}
}

func buildNucleiEvidence(r nucleiOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Template: %s\n", r.TemplateID)
	fmt.Fprintf(&b, "Matched at: %s\n", r.Matched)
	if len(r.ExtractedResults) > 0 {
		b.WriteString("Extracted:\n")
		for i, res := range r.ExtractedResults {
			fmt.Fprintf(&b, "  [%d] %s\n", i+1, res)
		}
	}
	if r.CurlCommand != "" {
		fmt.Fprintf(&b, "Reproduce:\n%s\n", r.CurlCommand)
	}
	return strings.TrimRight(b.String(), "\n")
}
