package platforms

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

func TestGetSeverityMapping(t *testing.T) {
	tests := []struct {
		platform string
		severity types.Severity
		want     string
	}{
		{"hackerone", types.SeverityCritical, "critical"},
		{"hackerone", types.SeverityInfo, "none"},
		{"bugcrowd", types.SeverityHigh, "P2"},
		{"bugcrowd", "LOW", "P4"},
		{"bugcrowd", "", "P5"},
		{"unknown", types.SeverityMedium, "medium"},
	}

	for _, tt := range tests {
		t.Run(tt.platform+"/"+string(tt.severity), func(t *testing.T) {
			assert.Equal(t, tt.want, GetSeverityMapping(tt.platform).Map(tt.severity))
		})
	}
}

func TestBuildReport(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := BuildReport("acme", types.Finding{
		Asset:        "a.example.com",
		CheckKind:    types.CheckExposedInterface,
		Evidence:     "GET /admin -> 200 <title>Jenkins</title>",
		Metadata:     map[string]string{"path": "/admin", "product": "Jenkins"},
		DiscoveredAt: at,
	})

	require.NoError(t, r.Validate())
	assert.Equal(t, "Exposed administrative interface on a.example.com", r.Title)
	assert.Equal(t, types.SeverityMedium, r.Severity)
	assert.Equal(t, "CWE-200", r.CWE)
	assert.Equal(t, "acme", r.ProgramHandle)
	assert.Equal(t, at, r.DiscoveredAt)

	body := r.Body()
	assert.Contains(t, body, "- path: /admin\n- product: Jenkins")
	assert.Contains(t, body, "## Proof of Concept")
	assert.Contains(t, body, "1. Open https://a.example.com")
}

func TestReportValidate(t *testing.T) {
	r := BuildReport("", types.Finding{Asset: "a.example.com", CheckKind: types.CheckXSS})
	assert.ErrorContains(t, r.Validate(), "program handle")
}

func TestClassifySubmission(t *testing.T) {
	_, err := ClassifySubmission("op", http.StatusForbidden, nil)
	assert.ErrorIs(t, err, hunterr.ErrAuthentication)

	o, err := ClassifySubmission("op", http.StatusConflict, []byte(`{"duplicate_of":"77"}`))
	require.NoError(t, err)
	assert.Equal(t, &types.SubmitOutcome{Duplicate: true, ReportID: "77"}, o)

	_, err = ClassifySubmission("op", http.StatusInternalServerError, []byte(`duplicate key value`))
	assert.Error(t, err, "5xx is transient even when the body mentions duplicates")

	o, err = ClassifySubmission("op", http.StatusNotFound, nil)
	require.NoError(t, err)
	assert.Equal(t, "Not Found", o.RejectedReason)
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "a; b", ErrorReason([]byte(`{"errors":[{"detail":"a"},{"title":"b"}]}`)))
	assert.Equal(t, "nope", ErrorReason([]byte(`{"error":"x","message":"nope"}`)))
	assert.Equal(t, "plain text", ErrorReason([]byte("  plain text \n")))

	long := ErrorReason([]byte(strings.Repeat("x", 1000)))
	assert.Len(t, long, maxReasonLen+3)
}
