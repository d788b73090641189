// Package platforms holds what the bounty platform adapters share: report
// shaping from a finding, severity mapping and response classification.
package platforms

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Report is a platform-neutral vulnerability report built from one finding.
type Report struct {
	Title          string
	Description    string
	Severity       types.Severity
	CWE            string
	ProgramHandle  string
	AssetURL       string
	ProofOfConcept string
	ReproSteps     []string
	Impact         string
	DiscoveredAt   time.Time
}

func (r *Report) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("report title is required")
	}
	if r.Description == "" {
		return fmt.Errorf("report description is required")
	}
	if r.ProgramHandle == "" {
		return fmt.Errorf("program handle is required")
	}
	if r.Severity == "" {
		return fmt.Errorf("severity is required")
	}
	return nil
}

type weakness struct {
	name   string
	cwe    string
	impact string
}

var weaknesses = map[types.CheckKind]weakness{
	types.CheckXSS: {
		name:   "Cross-site scripting",
		cwe:    "CWE-79",
		impact: "An attacker can run script in a victim's browser in the context of the affected origin, allowing session theft and actions on the victim's behalf.",
	},
	types.CheckSQLi: {
		name:   "SQL injection",
		cwe:    "CWE-89",
		impact: "An attacker can alter database queries, which may expose or modify stored data.",
	},
	types.CheckExposedInterface: {
		name:   "Exposed administrative interface",
		cwe:    "CWE-200",
		impact: "An internal or administrative interface is reachable from the internet, widening the attack surface and potentially leaking sensitive information.",
	},
	types.CheckOpenRedirect: {
		name:   "Open redirect",
		cwe:    "CWE-601",
		impact: "An attacker can craft links on the trusted domain that forward victims to arbitrary sites, aiding phishing.",
	},
	types.CheckSSRF: {
		name:   "Server-side request forgery",
		cwe:    "CWE-918",
		impact: "An attacker can make the server issue requests to internal systems.",
	},
	types.CheckMisconfiguration: {
		name:   "Security misconfiguration",
		cwe:    "CWE-16",
		impact: "A misconfiguration weakens the security posture of the affected asset.",
	},
}

// BuildReport shapes a finding into a report for program.
func BuildReport(program types.Program, f types.Finding) *Report {
	w, ok := weaknesses[f.CheckKind]
	if !ok {
		w = weakness{name: string(f.CheckKind), impact: "See the evidence below."}
	}

	title := f.Title
	if title == "" {
		title = fmt.Sprintf("%s on %s", w.name, f.Asset.Host())
	}

	severity := f.SeverityHint
	if severity == "" {
		severity = types.SeverityMedium
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n%s was identified on %s.\n", w.name, f.Asset.URL())
	if len(f.Metadata) > 0 {
		b.WriteString("\n## Details\n")
		for _, k := range sortedKeys(f.Metadata) {
			fmt.Fprintf(&b, "- %s: %s\n", k, f.Metadata[k])
		}
	}

	return &Report{
		Title:          title,
		Description:    b.String(),
		Severity:       severity,
		CWE:            w.cwe,
		ProgramHandle:  string(program),
		AssetURL:       f.Asset.URL(),
		ProofOfConcept: f.Evidence,
		ReproSteps: []string{
			fmt.Sprintf("Open %s", f.Asset.URL()),
			"Send the request shown in the proof of concept",
			"Observe the behaviour described in the evidence",
		},
		Impact:       w.impact,
		DiscoveredAt: f.DiscoveredAt,
	}
}

// Body renders the description, proof of concept and reproduction steps as
// one markdown document.
func (r *Report) Body() string {
	var b strings.Builder
	b.WriteString(r.Description)
	b.WriteString("\n## Proof of Concept\n```\n")
	b.WriteString(r.ProofOfConcept)
	b.WriteString("\n```\n")
	if len(r.ReproSteps) > 0 {
		b.WriteString("\n## Reproduction Steps\n")
		for i, step := range r.ReproSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	return b.String()
}

// SeverityMapping maps our severities to a platform's vocabulary.
type SeverityMapping struct {
	Critical string
	High     string
	Medium   string
	Low      string
	Info     string
}

func GetSeverityMapping(platform string) SeverityMapping {
	mappings := map[string]SeverityMapping{
		"hackerone": {
			Critical: "critical",
			High:     "high",
			Medium:   "medium",
			Low:      "low",
			Info:     "none",
		},
		"bugcrowd": {
			Critical: "P1",
			High:     "P2",
			Medium:   "P3",
			Low:      "P4",
			Info:     "P5",
		},
	}

	if mapping, ok := mappings[platform]; ok {
		return mapping
	}
	return mappings["hackerone"]
}

func (m SeverityMapping) Map(s types.Severity) string {
	switch strings.ToLower(string(s)) {
	case string(types.SeverityCritical):
		return m.Critical
	case string(types.SeverityHigh):
		return m.High
	case string(types.SeverityMedium):
		return m.Medium
	case string(types.SeverityLow):
		return m.Low
	default:
		return m.Info
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
