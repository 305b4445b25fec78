package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leftbrainit/supasaasy/internal/connector"
)

func task(status Status, counters connector.Counters, errMsg string) Task {
	return Task{ResourceType: "customer", Status: status, Counters: counters, Error: errMsg}
}

func TestDeriveJobStatus(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Task
		want  Status
	}{
		{
			"all succeeded",
			[]Task{task(StatusSucceeded, connector.Counters{Created: 1}, ""), task(StatusSucceeded, connector.Counters{Updated: 2}, "")},
			StatusSucceeded,
		},
		{
			"all failed",
			[]Task{task(StatusFailed, connector.Counters{Errors: 1}, "x"), task(StatusFailed, connector.Counters{Errors: 1}, "y")},
			StatusFailed,
		},
		{
			"mixed",
			[]Task{task(StatusSucceeded, connector.Counters{Created: 1}, ""), task(StatusFailed, connector.Counters{Errors: 1}, "x")},
			StatusPartiallySucceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, _ := DeriveJobStatus(tt.tasks)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDeriveJobStatus_AggregatesCounters(t *testing.T) {
	tasks := []Task{
		task(StatusSucceeded, connector.Counters{Created: 2, Updated: 3}, ""),
		task(StatusFailed, connector.Counters{Deleted: 1, Errors: 4}, "upstream 500"),
	}
	status, counters, errMsgs := DeriveJobStatus(tasks)

	// The job's aggregate equals the sum of its tasks' counters.
	assert.Equal(t, StatusPartiallySucceeded, status)
	assert.Equal(t, connector.Counters{Created: 2, Updated: 3, Deleted: 1, Errors: 4}, counters)
	assert.Equal(t, []string{"customer: upstream 500"}, errMsgs)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusPartiallySucceeded.Terminal())
}
