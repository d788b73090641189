// Package progress renders a one-line progress bar for the stages of a hunt.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Tracker follows a fixed list of mission stages. A Tracker built with a nil
// writer records state but never renders.
type Tracker struct {
	out       io.Writer
	stages    []stage
	current   int
	startTime time.Time
	mu        sync.Mutex
}

type stage struct {
	name        types.Stage
	description string
	status      Status
	startTime   time.Time
	endTime     time.Time
	done        int
	total       int
}

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "pending"
	}
}

func New(out io.Writer) *Tracker {
	return &Tracker{out: out, startTime: time.Now()}
}

// ForMission returns a tracker preloaded with the stages of a hunt.
func ForMission(out io.Writer) *Tracker {
	t := New(out)
	t.AddStage(types.StageScope, "Resolving scope")
	t.AddStage(types.StageScan, "Scanning targets")
	t.AddStage(types.StageSubmission, "Submitting findings")
	return t
}

func (t *Tracker) AddStage(name types.Stage, description string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = append(t.stages, stage{name: name, description: description})
}

func (t *Tracker) Start(name types.Stage, total int) {
	t.update(name, func(s *stage) {
		s.status = StatusRunning
		s.startTime = time.Now()
		s.total = total
	})
}

// Advance adds n units of work done to a running stage.
func (t *Tracker) Advance(name types.Stage, n int) {
	t.update(name, func(s *stage) { s.done += n })
}

func (t *Tracker) Complete(name types.Stage) {
	t.update(name, func(s *stage) {
		s.status = StatusCompleted
		s.endTime = time.Now()
		s.done = s.total
	})
}

func (t *Tracker) Fail(name types.Stage) {
	t.update(name, func(s *stage) {
		s.status = StatusFailed
		s.endTime = time.Now()
	})
}

// SkipPending marks every stage that never started as skipped.
func (t *Tracker) SkipPending() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.stages {
		if t.stages[i].status == StatusPending {
			t.stages[i].status = StatusSkipped
		}
	}
}

func (t *Tracker) StatusOf(name types.Stage) Status {
	if t == nil {
		return StatusPending
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.stages {
		if s.name == name {
			return s.status
		}
	}
	return StatusPending
}

func (t *Tracker) update(name types.Stage, fn func(*stage)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.stages {
		if t.stages[i].name == name {
			fn(&t.stages[i])
			t.current = i
			t.render()
			return
		}
	}
}

// percent is the overall completion. Caller holds mu.
func (t *Tracker) percent() int {
	if len(t.stages) == 0 {
		return 0
	}
	finished := 0
	for _, s := range t.stages {
		if s.status == StatusCompleted || s.status == StatusFailed || s.status == StatusSkipped {
			finished++
		}
	}
	overall := finished * 100 / len(t.stages)

	cur := t.stages[t.current]
	if cur.status == StatusRunning && cur.total > 0 {
		overall += cur.done * 100 / cur.total / len(t.stages)
	}
	if overall > 100 {
		overall = 100
	}
	return overall
}

func (t *Tracker) render() {
	if t.out == nil {
		return
	}

	overall := t.percent()
	const barWidth = 30
	filled := overall * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	cur := t.stages[t.current]
	info := cur.description
	if cur.total > 0 {
		info = fmt.Sprintf("%s (%d/%d)", cur.description, cur.done, cur.total)
	}

	eta := "calculating..."
	if overall > 0 && overall < 100 {
		elapsed := time.Since(t.startTime)
		eta = formatDuration(elapsed*100/time.Duration(overall) - elapsed)
	}

	fmt.Fprintf(t.out, "\r\033[K[%s] %d%% | %s | ETA: %s", bar, overall, info, eta)
}

// Finish clears the bar and prints a per-stage breakdown.
func (t *Tracker) Finish() {
	if t == nil || t.out == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "Hunt finished in %s\n", formatDuration(time.Since(t.startTime)))
	for _, s := range t.stages {
		duration := ""
		if !s.endTime.IsZero() {
			duration = fmt.Sprintf(" (%s)", formatDuration(s.endTime.Sub(s.startTime)))
		}
		fmt.Fprintf(t.out, "  %-10s %s%s\n", s.name, s.status, duration)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
