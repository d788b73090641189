package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

var summaryStates = []types.SubmissionState{
	types.StateSubmitted,
	types.StateDuplicate,
	types.StateRejected,
	types.StateFailed,
	types.StatePending,
}

func printSummary(w io.Writer, r *types.MissionResult) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Fprintln(w)
	bold.Fprintf(w, "Mission %s: %s\n", r.MissionID, r.Program)
	fmt.Fprintf(w, "  Scope:    %d assets (%d scanned)\n", r.ScopeSize, r.TargetsScanned)
	fmt.Fprintf(w, "  Findings: %d\n", r.FindingsCount)

	counts := r.StateCounts()
	for _, state := range summaryStates {
		n := counts[state]
		if n == 0 {
			continue
		}
		c := yellow
		switch {
		case state.Success():
			c = green
		case state == types.StateFailed:
			c = red
		}
		c.Fprintf(w, "    %-10s %d\n", state, n)
	}

	for _, s := range r.Submissions {
		if s.RemoteReportID != "" {
			fmt.Fprintf(w, "  %s -> report %s\n", s.Key, s.RemoteReportID)
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "  Failures: %d\n", len(r.Failures))
		for _, f := range r.Failures {
			c := yellow
			if f.Fatal {
				c = red
			}
			subject := ""
			if f.Subject != "" {
				subject = " " + f.Subject
			}
			c.Fprintf(w, "    [%s]%s (%s) %s\n", f.Stage, subject, f.Kind, f.Error)
		}
	}

	if r.Fatal() {
		red.Fprintln(w, "  Mission aborted")
	} else {
		green.Fprintf(w, "  Completed in %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}

func encodeResult(w io.Writer, r types.MissionResult, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// writeResult writes to path, or stdout when path is empty.
func writeResult(r types.MissionResult, format, path string) error {
	if path == "" {
		return encodeResult(os.Stdout, r, format)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := encodeResult(f, r, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
