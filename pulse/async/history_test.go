package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

func histRun(id, jobID int64, status jobs.Status) *jobs.Run {
	return &jobs.Run{ID: id, JobID: jobID, Attempt: 1, Status: status}
}

func ids(runs []jobs.Run) []int64 {
	out := make([]int64, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	h := NewHistory(3)
	for i := int64(1); i <= 5; i++ {
		h.Add(histRun(i, 1, jobs.StatusSucceeded))
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []int64{5, 4, 3}, ids(h.Select(ViewAll, nil, 0)))
}

func TestHistory_NeverEvictsRunning(t *testing.T) {
	h := NewHistory(2)
	h.Add(histRun(1, 1, jobs.StatusRunning))
	h.Add(histRun(2, 2, jobs.StatusSucceeded))
	h.Add(histRun(3, 3, jobs.StatusFailed))

	assert.Equal(t, []int64{3, 1}, ids(h.Select(ViewAll, nil, 0)))

	h.Add(histRun(4, 4, jobs.StatusRunning))
	h.Add(histRun(5, 5, jobs.StatusRunning))
	assert.Equal(t, []int64{5, 4, 1}, ids(h.Select(ViewAll, nil, 0)), "over capacity while everything runs")
}

func TestHistory_Views(t *testing.T) {
	h := NewHistory(10)
	h.Add(histRun(1, 1, jobs.StatusSucceeded))
	h.Add(histRun(2, 1, jobs.StatusFailed))
	h.Add(histRun(3, 2, jobs.StatusRunning))
	h.Add(histRun(4, 2, jobs.StatusSucceeded))

	assert.Equal(t, []int64{2}, ids(h.Select(ViewFailed, nil, 0)))
	assert.Equal(t, []int64{4, 1}, ids(h.Select(ViewSucceeded, nil, 0)))
	assert.Equal(t, []int64{4, 2, 1}, ids(h.Select(ViewFinished, nil, 0)))
	assert.Equal(t, []int64{4, 3}, ids(h.Select(ViewAll, &[]int64{2}[0], 0)))
	assert.Equal(t, []int64{4}, ids(h.Select(ViewAll, nil, 1)))
}

func TestHistory_SelectReturnsCopies(t *testing.T) {
	h := NewHistory(10)
	original := histRun(1, 1, jobs.StatusRunning)
	h.Add(original)

	got := h.Select(ViewAll, nil, 0)
	got[0].Status = jobs.StatusFailed
	assert.Equal(t, jobs.StatusRunning, original.Status)
}

func TestParseView(t *testing.T) {
	v, err := ParseView("")
	require.NoError(t, err)
	assert.Equal(t, ViewAll, v)

	v, err = ParseView("finished")
	require.NoError(t, err)
	assert.Equal(t, ViewFinished, v)

	_, err = ParseView("pending")
	assert.True(t, errors.IsInvalidRequestError(err))
}
