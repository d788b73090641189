package platforms

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

const maxReasonLen = 300

// ClassifySubmission turns a non-success submission response into an outcome
// or an error:
//
//	401, 403              authentication error (retried as transient by the caller)
//	409, 4xx "duplicate"  duplicate outcome
//	408, 429, 5xx         transient error
//	other 4xx             rejected outcome carrying the platform's reason
//
// Callers handle 200 and 201 themselves since the report ID lives in a
// platform-specific body.
func ClassifySubmission(op string, status int, body []byte) (*types.SubmitOutcome, error) {
	reason := ErrorReason(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, hunterr.Authentication(op, fmt.Errorf("status %d: %s", status, reason))
	case status == http.StatusConflict || (status >= 400 && status < 500 && mentionsDuplicate(reason)):
		return &types.SubmitOutcome{Duplicate: true, ReportID: duplicateOf(body)}, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("%s: status %d: %s", op, status, reason)
	case status >= 400:
		if reason == "" {
			reason = http.StatusText(status)
		}
		return &types.SubmitOutcome{RejectedReason: reason}, nil
	default:
		return nil, fmt.Errorf("%s: unexpected status %d", op, status)
	}
}

// CheckAuth maps 401/403 on read endpoints to an authentication error and any
// other non-200 to a plain error.
func CheckAuth(op string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return hunterr.Authentication(op, fmt.Errorf("status %d: %s", status, ErrorReason(body)))
	default:
		return fmt.Errorf("%s: status %d: %s", op, status, ErrorReason(body))
	}
}

// errorBody covers the JSON:API style ({"errors":[{"detail":...}]}) and the
// flat {"error":..., "message":...} style.
type errorBody struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Error   string `json:"error"`
	Message string `json:"message"`
	// Set by some platforms when a report duplicates an existing one.
	DuplicateOf string `json:"duplicate_of"`
}

// ErrorReason extracts a human-readable reason from an error response.
func ErrorReason(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		var parts []string
		for _, e := range eb.Errors {
			if e.Detail != "" {
				parts = append(parts, e.Detail)
			} else if e.Title != "" {
				parts = append(parts, e.Title)
			}
		}
		if eb.Message != "" {
			parts = append(parts, eb.Message)
		} else if eb.Error != "" {
			parts = append(parts, eb.Error)
		}
		if len(parts) > 0 {
			return truncate(strings.Join(parts, "; "))
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func duplicateOf(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return eb.DuplicateOf
}

func mentionsDuplicate(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "duplicate")
}

func truncate(s string) string {
	if len(s) <= maxReasonLen {
		return s
	}
	return s[:maxReasonLen] + "..."
}
