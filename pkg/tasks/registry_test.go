package tasks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, StateIdle, r.Status("activate:wf-1").State)

	assert.True(t, r.Start("activate:wf-1"))
	assert.False(t, r.Start("activate:wf-1"))
	assert.Equal(t, []string{"activate:wf-1"}, r.Running())

	r.Finish("activate:wf-1", errors.New("population query failed"))

	status := r.Status("activate:wf-1")
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "population query failed", status.Error)
	assert.NotNil(t, status.FinishedAt)
	assert.Empty(t, r.Running())

	assert.True(t, r.Start("activate:wf-1"))
	r.Finish("activate:wf-1", nil)
	assert.Equal(t, StateSucceeded, r.Status("activate:wf-1").State)
	assert.Empty(t, r.Status("activate:wf-1").Error)
}

func TestRegistry_StartIsExclusive(t *testing.T) {
	r := NewRegistry()

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if r.Start("sweep") {
				started.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), started.Load())
}
