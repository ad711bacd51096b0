package registry

import (
	"sync"
	"testing"

	"campaign-pipeline/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryStartConcurrentSameKey(t *testing.T) {
	for i := 0; i < 50; i++ {
		reg := New()
		key := models.CampaignRunKey("FALL_COKE_2025")

		var wg sync.WaitGroup
		results := make(chan error, 2)
		start := make(chan struct{})
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := reg.TryStart(key)
				results <- err
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		var ok, conflicts int
		for err := range results {
			switch err {
			case nil:
				ok++
			case ErrAlreadyRunning:
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)
	}
}

func TestTryStartIndependentKeys(t *testing.T) {
	reg := New()

	_, err := reg.TryStart("a")
	require.NoError(t, err)
	_, err = reg.TryStart("b")
	require.NoError(t, err)

	assert.Equal(t, []models.CampaignRunKey{"a", "b"}, reg.RunningKeys())
}

func TestFinishIsIdempotent(t *testing.T) {
	reg := New()
	key := models.CampaignRunKey("SPRING_2026")

	handle, err := reg.TryStart(key)
	require.NoError(t, err)
	require.True(t, reg.IsRunning(key))

	assert.True(t, reg.Finish(handle, models.RunStateCompleted))
	assert.False(t, reg.IsRunning(key))

	assert.False(t, reg.Finish(handle, models.RunStateFailed))
	assert.False(t, reg.IsRunning(key))

	rec, ok := reg.Record(key)
	require.True(t, ok)
	assert.Equal(t, models.RunStateCompleted, rec.State)
	assert.NotNil(t, rec.FinishedAt)
}

func TestFinishWithStaleHandleIsNoop(t *testing.T) {
	reg := New()
	key := models.CampaignRunKey("k")

	first, err := reg.TryStart(key)
	require.NoError(t, err)
	reg.Finish(first, models.RunStateFailed)

	second, err := reg.TryStart(key)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.False(t, reg.Finish(first, models.RunStateCompleted))
	assert.True(t, reg.IsRunning(key))
}

func TestTryStartAfterTerminal(t *testing.T) {
	reg := New()
	key := models.CampaignRunKey("k")

	handle, err := reg.TryStart(key)
	require.NoError(t, err)

	_, err = reg.TryStart(key)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	reg.Finish(handle, models.RunStateFailed)
	_, err = reg.TryStart(key)
	assert.NoError(t, err)
}

func TestFinishNonTerminalOutcomeFails(t *testing.T) {
	reg := New()
	handle, err := reg.TryStart("k")
	require.NoError(t, err)

	reg.Finish(handle, models.RunStateRunning)

	rec, _ := reg.Record("k")
	assert.Equal(t, models.RunStateFailed, rec.State)
}

func TestRecordReturnsCopy(t *testing.T) {
	reg := New()
	handle, err := reg.TryStart("k")
	require.NoError(t, err)

	rec, ok := reg.Record("k")
	require.True(t, ok)
	rec.State = models.RunStateCompleted

	assert.True(t, reg.IsRunning("k"))
	reg.Finish(handle, models.RunStateCompleted)
	assert.Empty(t, reg.RunningKeys())

	_, ok = reg.Record("missing")
	assert.False(t, ok)
}
