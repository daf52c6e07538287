package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/model"
)

func TestRegisterAndGetRoundTrip(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1", Sample: model.Sample{Name: "a.exe"}})

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Equal(t, "a.exe", got.Sample.Name)
}

func TestGetUnknownTask(t *testing.T) {
	s := New()
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrTaskUnknown)
}

func TestAdvanceStatusValidSequence(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1"})

	require.NoError(t, s.AdvanceStatus("t1", model.StatusRunning))
	require.NoError(t, s.AdvanceStatus("t1", model.StatusCompleted))

	got, _ := s.Get("t1")
	require.Equal(t, model.StatusCompleted, got.Status)
}

func TestAdvanceStatusInvalidTransitionPanics(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1"})
	require.NoError(t, s.AdvanceStatus("t1", model.StatusCompleted))

	require.Panics(t, func() {
		_ = s.AdvanceStatus("t1", model.StatusRunning)
	})
}

func TestAdvanceStatusUnknownTask(t *testing.T) {
	s := New()
	err := s.AdvanceStatus("nope", model.StatusRunning)
	require.ErrorIs(t, err, ErrTaskUnknown)
}

func TestRecordPerVMAndClonedReadsDontAlias(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1"})
	require.NoError(t, s.RecordPerVM("t1", "vm1", model.VMResult{VMName: "vm1", Phase: model.PhaseReleased}))

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Len(t, got.PerVMResults, 1)

	got.PerVMResults["vm1"].Phase = model.PhaseCleanup
	again, _ := s.Get("t1")
	require.Equal(t, model.PhaseReleased, again.PerVMResults["vm1"].Phase, "mutating a cloned Get result must not affect store state")
}

func TestListFiltersByStatus(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1"})
	s.Register(model.Task{TaskID: "t2"})
	require.NoError(t, s.AdvanceStatus("t2", model.StatusRunning))

	pending := s.List(model.StatusPending)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].TaskID)

	all := s.List("")
	require.Len(t, all, 2)
}

func TestSetSummary(t *testing.T) {
	s := New()
	s.Register(model.Task{TaskID: "t1"})
	require.NoError(t, s.SetSummary("t1", model.Summary{Detected: true, EventCount: 3}))

	got, _ := s.Get("t1")
	require.NotNil(t, got.Summary)
	require.True(t, got.Summary.Detected)
	require.Equal(t, 3, got.Summary.EventCount)
}
