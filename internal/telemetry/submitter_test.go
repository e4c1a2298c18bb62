package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// scriptedSender fails with the scripted errors before succeeding.
type scriptedSender struct {
	failures []error
	calls    int
	sent     []*models.Attestation
}

func (s *scriptedSender) Send(_ context.Context, att *models.Attestation, _ []byte) (string, error) {
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	s.sent = append(s.sent, att)
	return "receipt-1", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEnergyLog(t *testing.T, dir, agent, name, body string) {
	t.Helper()
	agentDir := filepath.Join(dir, agent)
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, name), []byte(body), 0o644))
}

const sampleLogJSON = `{
	"jobId": "42",
	"agent": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	"summary": {
		"totalCpuTimeMs": 1200,
		"totalGpuTimeMs": 800,
		"energyScore": 12.6,
		"averageEfficiency": 0.5,
		"runs": 3,
		"lastUpdated": "2026-01-02T10:00:00Z"
	}
}`

type submitterFixture struct {
	submitter *Submitter
	sender    *scriptedSender
	state     *StateStore
	logDir    string
}

func newSubmitterFixture(t *testing.T) *submitterFixture {
	t.Helper()
	logDir := t.TempDir()

	state, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	builder := newTestBuilder(t)
	sender := &scriptedSender{}

	submitter := NewSubmitter(SubmitterOptions{
		EnergyLogDir: logDir,
		RetryDelay:   time.Millisecond,
		MaxRetries:   3,
	}, builder, NewAPINonceManager(state), sender, state, discardLogger())

	return &submitterFixture{submitter: submitter, sender: sender, state: state, logDir: logDir}
}

func TestCycleSubmitsAndRecordsLog(t *testing.T) {
	f := newSubmitterFixture(t)
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())

	require.Len(t, f.sender.sent, 1)
	att := f.sender.sent[0]
	assert.Equal(t, int64(42), att.JobID.Int64())
	assert.Equal(t, "0", att.Nonce.String())

	key := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266:42"
	assert.True(t, f.state.AlreadyProcessed(key, "2026-01-02T10:00:00Z"))
}

func TestCycleSkipsReplays(t *testing.T) {
	f := newSubmitterFixture(t)
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())
	f.submitter.runCycle(context.Background())

	assert.Equal(t, 1, f.sender.calls)
}

func TestCycleSkipsMalformedFiles(t *testing.T) {
	f := newSubmitterFixture(t)
	writeEnergyLog(t, f.logDir, "agent-a", "broken.json", `{"jobId": `)
	writeEnergyLog(t, f.logDir, "agent-a", "no-job.json", `{"agent":"x","summary":{"lastUpdated":"2026-01-01T00:00:00Z"}}`)
	writeEnergyLog(t, f.logDir, "agent-a", "ok.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())

	assert.Equal(t, 1, f.sender.calls)
}

func TestCycleMissingLogDirIsQuiet(t *testing.T) {
	f := newSubmitterFixture(t)
	f.submitter.opts.EnergyLogDir = filepath.Join(f.logDir, "does-not-exist")

	f.submitter.runCycle(context.Background())
	assert.Zero(t, f.sender.calls)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	f := newSubmitterFixture(t)
	f.sender.failures = []error{
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
	}
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())

	assert.Equal(t, 3, f.sender.calls)
	require.Len(t, f.sender.sent, 1)
}

func TestSendExhaustsInitialAttemptPlusRetries(t *testing.T) {
	f := newSubmitterFixture(t)
	f.sender.failures = []error{
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
	}
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())

	// MaxRetries of 3 budgets the initial send plus three retries.
	assert.Equal(t, 4, f.sender.calls)
	assert.Empty(t, f.sender.sent)
	key := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266:42"
	assert.False(t, f.state.AlreadyProcessed(key, "2026-01-02T10:00:00Z"))
}

func TestSendBackoffDoubles(t *testing.T) {
	f := newSubmitterFixture(t)
	f.submitter.opts.RetryDelay = 2 * time.Millisecond
	f.sender.failures = []error{
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
		apierrors.ErrAPIUnavailable,
	}
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	start := time.Now()
	f.submitter.runCycle(context.Background())

	// Three backoffs of 2ms, 4ms, 8ms sit between the four attempts.
	assert.GreaterOrEqual(t, time.Since(start), 14*time.Millisecond)
	assert.Equal(t, 4, f.sender.calls)
}

func TestSendStopsOnTerminalError(t *testing.T) {
	f := newSubmitterFixture(t)
	f.sender.failures = []error{errors.New("nonce too low")}
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())

	assert.Equal(t, 1, f.sender.calls)
	key := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266:42"
	assert.False(t, f.state.AlreadyProcessed(key, "2026-01-02T10:00:00Z"))
}

func TestFailedSendReleasesNonceForReuse(t *testing.T) {
	f := newSubmitterFixture(t)
	f.sender.failures = []error{errors.New("rejected")}
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	f.submitter.runCycle(context.Background())
	require.Empty(t, f.sender.sent)

	// The retry after the failure reuses nonce 0.
	f.submitter.runCycle(context.Background())
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "0", f.sender.sent[0].Nonce.String())
}

func TestCycleRespectsMaxBatch(t *testing.T) {
	f := newSubmitterFixture(t)
	f.submitter.opts.MaxBatch = 1
	writeEnergyLog(t, f.logDir, "agent-a", "job-42.json", sampleLogJSON)

	older := `{
		"jobId": "7",
		"agent": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"summary": {"energyScore": 1, "runs": 1, "lastUpdated": "2026-01-01T00:00:00Z"}
	}`
	writeEnergyLog(t, f.logDir, "agent-a", "job-7.json", older)

	f.submitter.runCycle(context.Background())

	// Oldest log first; the rest waits for the next cycle.
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, int64(7), f.sender.sent[0].JobID.Int64())
}

func TestRequestImmediateDoesNotBlock(t *testing.T) {
	f := newSubmitterFixture(t)
	f.submitter.RequestImmediate()
	f.submitter.RequestImmediate()
	f.submitter.RequestImmediate()
}
