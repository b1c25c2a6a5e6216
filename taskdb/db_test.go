package taskdb

import (
	"testing"
	"time"

	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTasksSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(&Config{DataDir: dir})
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveTask(&task.Snapshot{
		ID:        1,
		State:     task.StateRunning,
		Status:    task.StatusOK,
		Messages:  []messages.Message{messages.TaskStarted("1")},
		StartTime: start,
	}))
	require.NoError(t, db.SaveTask(&task.Snapshot{
		ID:              1,
		State:           task.StateCompleted,
		Status:          task.StatusOK,
		PercentComplete: 100,
		Messages:        []messages.Message{messages.TaskStarted("1"), messages.TaskCompletedOK("1")},
		StartTime:       start,
		EndTime:         start.Add(time.Minute),
		Payload:         &task.Payload{TargetURI: "/redfish/v1/UpdateService", HTTPOperation: "POST", HTTPHeaders: []string{}},
	}))
	require.NoError(t, db.SaveTask(&task.Snapshot{ID: 2, State: task.StateCancelled}))
	require.NoError(t, db.SaveTask(&task.Snapshot{ID: 300, State: task.StateException}))
	require.NoError(t, db.DeleteTask(2))

	require.NoError(t, db.Close())

	db, err = Open(&Config{DataDir: dir})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	snapshots, err := db.Tasks()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	assert.Equal(t, uint64(1), snapshots[0].ID)
	assert.Equal(t, task.StateCompleted, snapshots[0].State)
	assert.Equal(t, uint8(100), snapshots[0].PercentComplete)
	assert.True(t, snapshots[0].EndTime.Equal(start.Add(time.Minute)))
	assert.Len(t, snapshots[0].Messages, 2)
	assert.Equal(t, "/redfish/v1/UpdateService", snapshots[0].Payload.TargetURI)

	// keys are big endian so ids sort numerically
	assert.Equal(t, uint64(300), snapshots[1].ID)
}

func TestEmptyDatabase(t *testing.T) {
	db, err := Open(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	snapshots, err := db.Tasks()
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}
