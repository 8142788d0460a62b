package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/workflowcore/internal/agentclient"
)

func TestDispatcher_SubmitAndCompletes(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Output: "ok"}}}
	d := New(DefaultConfig(), client)
	d.Start()
	defer d.Stop()

	results, err := d.RunBatch(context.Background(), []Submission{{TaskID: "t1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, "ok", results[0].Output)
	assert.NoError(t, results[0].Err)
}

func TestDispatcher_FailurePropagates(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Err: errors.New("boom")}}}
	d := New(DefaultConfig(), client)
	d.Start()
	defer d.Stop()

	results, err := d.RunBatch(context.Background(), []Submission{{TaskID: "t1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestDispatcher_CapacityBound(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Block: true}}}
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 2
	cfg.DefaultTimeout = 50 * time.Millisecond
	d := New(cfg, client)
	d.Start()
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Submit(Submission{TaskID: string(rune('a' + i))})
	}

	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, d.InProgressCount(), int64(2))
}

func TestDispatcher_CancelDropsQueued(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Output: "ok"}}}
	d := New(DefaultConfig(), client) // Start() deliberately not called: no worker drains the queue

	d.Submit(Submission{TaskID: "t1"})
	d.Cancel("t1")

	d.mu.Lock()
	_, stillQueued := d.queued["t1"]
	d.mu.Unlock()
	assert.False(t, stillQueued)
}
