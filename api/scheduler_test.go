package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/billing"
)

func (s *testServer) overdueCirc(t *testing.T, due time.Time) billing.Circulation {
	t.Helper()
	circ, err := s.h.Store.CreateCirculation(context.Background(), billing.Circulation{
		UserID:        scenarioPatron,
		TargetCopy:    88,
		CircLib:       scenarioBranch,
		DueDate:       due,
		RecurringFine: billing.MustParseMoney("0.25"),
		FineInterval:  "1 day",
		MaxFine:       billing.MustParseMoney("5.00"),
	}, due.AddDate(0, 0, -14))
	require.NoError(t, err)
	return circ
}

func TestFineScheduler_RunNow(t *testing.T) {
	// GIVEN: One overdue circulation and one not yet due
	// WHEN: Running the scheduler twice
	// THEN: The first run bills three fines on the overdue loan; the second
	//       visits it again but finds nothing pending

	s := setupTestServer(t)
	s.overdueCirc(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC))
	s.overdueCirc(t, testNow.AddDate(0, 0, 3))

	first := s.h.Scheduler.RunNow(context.Background())
	assert.Equal(t, "completed", first.Status)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Visited)
	assert.Equal(t, 1, first.Generated)
	assert.Equal(t, 3, first.FinesCreated)
	assert.Zero(t, first.Failed)
	require.NotNil(t, first.CompletedAt)

	second := s.h.Scheduler.RunNow(context.Background())
	assert.Equal(t, 1, second.Visited)
	assert.Zero(t, second.FinesCreated)
	assert.NotEqual(t, first.ID, second.ID)

	runs := s.h.Scheduler.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
}

func TestFineScheduler_CountsFailures(t *testing.T) {
	s := setupTestServer(t)
	circ := s.overdueCirc(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC))
	circ.FineInterval = "whenever"
	require.NoError(t, s.h.Store.WithTx(context.Background(), func(st billing.Store) error {
		return st.UpdateCirculation(context.Background(), circ)
	}))

	run := s.h.Scheduler.RunNow(context.Background())

	assert.Equal(t, "completed_with_errors", run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.Zero(t, run.FinesCreated)
}

func TestFineScheduler_StartStop(t *testing.T) {
	// GIVEN: An enabled scheduler with a long interval
	// WHEN: Starting and immediately stopping it
	// THEN: Exactly the on-start run has been recorded

	s := setupTestServer(t)
	s.overdueCirc(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC))

	sched := s.h.Scheduler
	sched.CheckInterval = time.Hour
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	runs := sched.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].FinesCreated)
	assert.Equal(t, testNow.Add(time.Hour), sched.GetNextRunTime())
}

func TestFineScheduler_Disabled(t *testing.T) {
	s := setupTestServer(t)
	sched := s.h.Scheduler
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	assert.Empty(t, sched.Runs())
}

func TestFineRunEndpoints(t *testing.T) {
	s := setupTestServer(t)
	s.overdueCirc(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC))

	rec := s.do(t, http.MethodPost, "/api/fines/run", nil, 0)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[FineRunDTO](t, rec)
	assert.Equal(t, 3, run.FinesCreated)

	rec = s.do(t, http.MethodGet, "/api/fines/runs", nil, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Runs    []FineRunDTO `json:"runs"`
		NextRun string       `json:"next_run"`
	}](t, rec)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, run.ID, body.Runs[0].ID)
	assert.NotEmpty(t, body.NextRun)
}
