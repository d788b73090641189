package types

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities from info (0) to critical (4). Unknown values rank as info.
func (s Severity) Rank() int {
	return severityRank[Severity(strings.ToLower(string(s)))]
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity accepts any case and rejects unknown names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// CheckKind names a vulnerability class. New kinds only need a Check implementation.
type CheckKind string

const (
	CheckXSS              CheckKind = "xss"
	CheckSQLi             CheckKind = "sqli"
	CheckExposedInterface CheckKind = "exposed-interface"
	CheckOpenRedirect     CheckKind = "open-redirect"
	CheckSSRF             CheckKind = "ssrf"
	CheckMisconfiguration CheckKind = "misconfiguration"
)

// Program names a bounty program. It does not change once a mission starts.
type Program string

// Asset is a scoped target, a hostname or URL fragment.
type Asset string

// NormalizeAsset trims whitespace and lower-cases the host part. Paths keep their case.
func NormalizeAsset(raw string) Asset {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	scheme := ""
	if i := strings.Index(s, "://"); i >= 0 {
		scheme, s = strings.ToLower(s[:i+3]), s[i+3:]
	}
	host, rest := s, ""
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		host, rest = s[:i], s[i:]
	}
	return Asset(scheme + strings.ToLower(host) + rest)
}

// Host strips any scheme, path and port.
func (a Asset) Host() string {
	s := string(a)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "]") {
		s = s[:i]
	}
	return s
}

// URL returns the asset as an absolute URL, defaulting to https.
func (a Asset) URL() string {
	if strings.Contains(string(a), "://") {
		return string(a)
	}
	return "https://" + string(a)
}

// Scope is an ordered set of assets. Order is kept for reporting only.
type Scope struct {
	order []Asset
	seen  map[Asset]struct{}
}

func NewScope(assets ...Asset) *Scope {
	s := &Scope{seen: make(map[Asset]struct{})}
	for _, a := range assets {
		s.Add(a)
	}
	return s
}

// Add normalizes the asset and inserts it unless it is empty or already present.
func (s *Scope) Add(a Asset) bool {
	a = NormalizeAsset(string(a))
	if a == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[Asset]struct{})
	}
	if _, ok := s.seen[a]; ok {
		return false
	}
	s.seen[a] = struct{}{}
	s.order = append(s.order, a)
	return true
}

func (s *Scope) Contains(a Asset) bool {
	if s == nil {
		return false
	}
	_, ok := s.seen[NormalizeAsset(string(a))]
	return ok
}

func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Assets returns a copy in insertion order.
func (s *Scope) Assets() []Asset {
	if s == nil {
		return nil
	}
	out := make([]Asset, len(s.order))
	copy(out, s.order)
	return out
}

// First returns up to k assets in insertion order. k <= 0 returns all of them.
func (s *Scope) First(k int) []Asset {
	all := s.Assets()
	if k <= 0 || k >= len(all) {
		return all
	}
	return all[:k]
}

type Finding struct {
	Asset        Asset             `json:"asset" yaml:"asset"`
	CheckKind    CheckKind         `json:"check_kind" yaml:"check_kind"`
	Evidence     string            `json:"evidence" yaml:"evidence"`
	SeverityHint Severity          `json:"severity_hint" yaml:"severity_hint"`
	Title        string            `json:"title,omitempty" yaml:"title,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at" yaml:"discovered_at"`
}

// FindingKey identifies a finding. Findings with equal keys are the same finding.
type FindingKey struct {
	Asset       Asset     `json:"asset" yaml:"asset" db:"asset"`
	CheckKind   CheckKind `json:"check_kind" yaml:"check_kind" db:"check_kind"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint" db:"fingerprint"`
}

func (k FindingKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Asset, k.CheckKind, k.Fingerprint)
}

type SubmissionState string

const (
	StatePending   SubmissionState = "pending"
	StateSubmitted SubmissionState = "submitted"
	StateDuplicate SubmissionState = "duplicate"
	StateRejected  SubmissionState = "rejected"
	StateFailed    SubmissionState = "failed"
)

// Settled reports whether the state can never change again, independent of the
// attempt budget. Failed is settled only through SubmissionRecord.Terminal.
func (s SubmissionState) Settled() bool {
	return s == StateSubmitted || s == StateDuplicate || s == StateRejected
}

// Success reports whether the platform accepted the finding in some form.
func (s SubmissionState) Success() bool {
	return s == StateSubmitted || s == StateDuplicate
}

// SubmissionAttempt is one entry of the append-only attempt history.
type SubmissionAttempt struct {
	Number    int             `json:"number" yaml:"number"`
	From      SubmissionState `json:"from" yaml:"from"`
	To        SubmissionState `json:"to" yaml:"to"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp"`
}

type SubmissionRecord struct {
	Key            FindingKey          `json:"key" yaml:"key"`
	State          SubmissionState     `json:"state" yaml:"state"`
	RemoteReportID string              `json:"remote_report_id,omitempty" yaml:"remote_report_id,omitempty"`
	Attempts       int                 `json:"attempts" yaml:"attempts"`
	LastError      string              `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Terminal       bool                `json:"terminal" yaml:"terminal"`
	History        []SubmissionAttempt `json:"history,omitempty" yaml:"history,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r SubmissionRecord) Clone() SubmissionRecord {
	out := r
	if r.History != nil {
		out.History = make([]SubmissionAttempt, len(r.History))
		copy(out.History, r.History)
	}
	return out
}

// SubmitOutcome is what a platform reports for one submission call.
type SubmitOutcome struct {
	Submitted      bool   `json:"submitted"`
	ReportID       string `json:"report_id,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	RejectedReason string `json:"rejected_reason,omitempty"`
}

type Stage string

const (
	StageScope      Stage = "scope"
	StageScan       Stage = "scan"
	StageRecord     Stage = "record"
	StageSubmission Stage = "submission"
	StageMission    Stage = "mission"
)

type StageFailure struct {
	Stage   Stage  `json:"stage" yaml:"stage"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Error   string `json:"error" yaml:"error"`
	Fatal   bool   `json:"fatal" yaml:"fatal"`

	Err error `json:"-" yaml:"-"`
}

type MissionResult struct {
	MissionID      string             `json:"mission_id" yaml:"mission_id"`
	Program        Program            `json:"program" yaml:"program"`
	ScopeSize      int                `json:"scope_size" yaml:"scope_size"`
	TargetsScanned int                `json:"targets_scanned" yaml:"targets_scanned"`
	FindingsCount  int                `json:"findings_count" yaml:"findings_count"`
	Submissions    []SubmissionRecord `json:"submissions" yaml:"submissions"`
	Failures       []StageFailure     `json:"failures" yaml:"failures"`
	StartedAt      time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time          `json:"finished_at" yaml:"finished_at"`
}

// Fatal reports whether a stage failure aborted the mission.
func (r *MissionResult) Fatal() bool {
	for _, f := range r.Failures {
		if f.Fatal {
			return true
		}
	}
	return false
}

// FailuresFor returns the failures recorded against a stage, in order.
func (r *MissionResult) FailuresFor(stage Stage) []StageFailure {
	var out []StageFailure
	for _, f := range r.Failures {
		if f.Stage == stage {
			out = append(out, f)
		}
	}
	return out
}

// StateCounts tallies submissions by current state.
func (r *MissionResult) StateCounts() map[SubmissionState]int {
	counts := make(map[SubmissionState]int)
	for _, s := range r.Submissions {
		counts[s.State]++
	}
	return counts
}
