package workerpool

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCollectsEveryResult(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 4, GlobalBuffer: 8})
	defer wp.Close()

	room := wp.CreateRoom(100)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, room.NewTaskWaitForFreeSlot(context.Background(), func() interface{} { return i * i }))
	}

	var got []int
	for _, r := range room.Collect() {
		got = append(got, r.(int))
	}
	sort.Ints(got)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i*i, v)
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 2})
	defer wp.Close()

	a, b := wp.CreateRoom(10), wp.CreateRoom(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.NewTask(func() interface{} { return "a" }))
		require.NoError(t, b.NewTask(func() interface{} { return "b" }))
	}
	for _, r := range a.Collect() {
		assert.Equal(t, "a", r)
	}
	assert.Len(t, b.Collect(), 10)
}

func TestEmptyRoom(t *testing.T) {
	wp := NewWorkerPool(Config{})
	defer wp.Close()
	assert.Empty(t, wp.CreateRoom(0).Collect())
}

func TestCanceledSubmit(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1, GlobalBuffer: 1})
	defer wp.Close()

	block := make(chan struct{})
	room := wp.CreateRoom(4)
	require.NoError(t, room.NewTaskWaitForFreeSlot(context.Background(), func() interface{} { <-block; return nil }))
	// The worker may or may not have taken the first task yet; fill the
	// queue until a submit has to wait.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = room.NewTaskWaitForFreeSlot(ctx, func() interface{} { return nil })
	}
	assert.ErrorIs(t, err, context.Canceled)
	close(block)
	room.Collect()
}

func TestSubmitAfterClose(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 1})
	wp.Close()
	wp.Close()
	err := wp.CreateRoom(1).NewTaskWaitForFreeSlot(context.Background(), func() interface{} { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
