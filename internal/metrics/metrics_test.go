package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.RecordCheck(types.CheckXSS, 20*time.Millisecond, nil)
	c.RecordCheck(types.CheckXSS, 30*time.Millisecond, errors.New("boom"))
	c.RecordFinding(types.CheckXSS, types.SeverityHigh)
	c.RecordSubmission("hackerone", types.StateSubmitted)
	c.RecordSubmission("hackerone", types.StateSubmitted)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.checksTotal.WithLabelValues("xss", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checksTotal.WithLabelValues("xss", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.findingsTotal.WithLabelValues("xss", "high")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.submissionsTotal.WithLabelValues("hackerone", "submitted")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordSubmission("bugcrowd", types.StateDuplicate)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chimera_submissions_total{platform="bugcrowd",state="duplicate"} 1`)
}
