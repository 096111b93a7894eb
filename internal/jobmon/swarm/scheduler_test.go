package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

func TestBatchedCountForArray_SumsOnlyMatchingArray(t *testing.T) {
	batches := map[batchKey][]*SwarmTask{
		{arrayID: 1, taskResourcesID: 10}: {{TaskID: 1}, {TaskID: 2}},
		{arrayID: 2, taskResourcesID: 10}: {{TaskID: 3}},
	}
	assert.Equal(t, 2, batchedCountForArray(batches, 1))
	assert.Equal(t, 1, batchedCountForArray(batches, 2))
	assert.Equal(t, 0, batchedCountForArray(batches, 3))
}

func TestValidateQueue(t *testing.T) {
	assert.True(t, validateQueue("general", nil))
	assert.False(t, validateQueue("", nil))
}

func TestFirstValidFallback_PrefersFirstValidOtherwiseLast(t *testing.T) {
	assert.Equal(t, "q1", firstValidFallback([]string{"q1", "q2"}, nil))
	assert.Equal(t, "", firstValidFallback(nil, nil))
}

func TestAdjustResources_NoopWhenNotAdjusting(t *testing.T) {
	sc := NewScheduler(nil)
	s := NewSwarmState()
	task := &SwarmTask{TaskID: 1, Status: model.TaskRunning}
	err := sc.AdjustResources(nil, s, task)
	assert.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
}
