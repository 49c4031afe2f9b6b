//go:build unix

package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_UpdateWaitsForRecordsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.running(t)

	// A second handle stands in for another process holding the lock.
	unlock, err := f.queue.Store().lockRecords()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.queue.AppendLog(ctx, rec.ID, "progress 50%") }()

	select {
	case err := <-done:
		unlock()
		t.Fatalf("AppendLog finished while the records lock was held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AppendLog did not resume after unlock")
	}

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Log, "progress 50%")
}

func TestQueue_CancelNotLostToConcurrentLogAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.running(t)

	// Queues over the same root share nothing but the files and the lock.
	other, err := NewQueue(NewStore(f.queue.Store().RootDir()), QueueConfig{
		Validator: stubValidator{},
		Interrupt: func(int) error { return nil },
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for {
			select {
			case <-stop:
				return
			default:
				_ = f.queue.AppendLog(ctx, rec.ID, "tick")
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = other.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-appended

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = f.queue.Complete(ctx, rec.ID, true, "")
	assert.True(t, IsState(err), "completion after cancel is rejected: %v", err)
}
