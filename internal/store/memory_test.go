package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/directorybolt/submitd/internal/pipeline"
)

func newTask(id, customer, directory string) pipeline.SubmissionTask {
	return pipeline.SubmissionTask{
		ID:          id,
		CustomerID:  customer,
		DirectoryID: directory,
		State:       pipeline.TaskStatePending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "c1", "d1")))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, pipeline.TaskStatePending, got.State)

	_, err = s.GetTask(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrTaskNotFound)
}

func TestMemoryStoreRejectsActiveDuplicatePair(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "c1", "d1")))
	require.ErrorIs(t, s.CreateTask(ctx, newTask("t2", "c1", "d1")), pipeline.ErrDuplicateTask)

	// A different directory for the same customer is fine.
	require.NoError(t, s.CreateTask(ctx, newTask("t3", "c1", "d2")))

	// Once the first task is terminal the pair can be resubmitted.
	require.NoError(t, s.UpdateTask(ctx, "t1", pipeline.TaskStateFailed, "network", 3))
	require.NoError(t, s.CreateTask(ctx, newTask("t4", "c1", "d1")))
}

func TestMemoryStoreUpdateStampsCompletion(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "c1", "d1")))
	require.NoError(t, s.UpdateTask(ctx, "t1", pipeline.TaskStateSubmitting, "", 1))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateTask(ctx, "t1", pipeline.TaskStateCompleted, "", 1))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	require.ErrorIs(t, s.UpdateTask(ctx, "missing", pipeline.TaskStateFailed, "", 1), pipeline.ErrTaskNotFound)
}

func TestMemoryStoreListTasksOrdered(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	t1 := newTask("t1", "c1", "d1")
	t1.CreatedAt = base.Add(time.Second)
	t2 := newTask("t2", "c1", "d2")
	t2.CreatedAt = base
	other := newTask("t3", "c2", "d1")

	require.NoError(t, s.CreateTask(ctx, t1))
	require.NoError(t, s.CreateTask(ctx, t2))
	require.NoError(t, s.CreateTask(ctx, other))

	got, err := s.ListTasks(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "t2", got[0].ID)
	require.Equal(t, "t1", got[1].ID)
}

func TestMemoryStoreResultRecordedOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	result := pipeline.SubmissionResult{
		TaskID:     "t1",
		CustomerID: "c1",
		State:      pipeline.TaskStateCompleted,
		Success:    true,
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RecordResult(ctx, result))
	require.ErrorIs(t, s.RecordResult(ctx, result), pipeline.ErrResultExists)

	got, err := s.ListResults(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Success)
}
