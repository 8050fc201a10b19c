package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startExecutor(t *testing.T) *Executor {
	t.Helper()
	ex := New("test")
	require.NoError(t, ex.Start())
	return ex
}

func TestStart_Twice(t *testing.T) {
	ex := startExecutor(t)
	assert.ErrorIs(t, ex.Start(), ErrAlreadyStarted)
}

func TestInvoke_BeforeStart(t *testing.T) {
	ex := New("idle")
	_, err := Invoke(context.Background(), ex, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestInvoke_RunsOnOneThread(t *testing.T) {
	ex := startExecutor(t)
	require.NotZero(t, ex.ThreadID())

	var wg sync.WaitGroup
	tids := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tid, err := Invoke(context.Background(), ex, func() (int, error) {
				return unix.Gettid(), nil
			})
			assert.NoError(t, err)
			tids <- tid
		}()
	}
	wg.Wait()
	close(tids)

	for tid := range tids {
		assert.Equal(t, ex.ThreadID(), tid)
	}
	assert.False(t, ex.OnThread(), "test goroutine must not be on the executor thread")
}

func TestInvoke_NeverConcurrent(t *testing.T) {
	ex := startExecutor(t)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ex.Do(context.Background(), func() error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestInvokeAsync_FIFO(t *testing.T) {
	ex := startExecutor(t)

	var order []int
	results := make([]<-chan Result[int], 0, 100)
	for i := 0; i < 100; i++ {
		results = append(results, InvokeAsync(ex, func() (int, error) {
			order = append(order, i)
			return i, nil
		}))
	}
	for i, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.Value)
	}
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestInvoke_PropagatesError(t *testing.T) {
	ex := startExecutor(t)
	boom := errors.New("boom")

	_, err := Invoke(context.Background(), ex, func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestInvoke_RecoversPanic(t *testing.T) {
	ex := startExecutor(t)

	_, err := Invoke(context.Background(), ex, func() (int, error) { panic("device fault") })

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "device fault", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The thread keeps serving work.
	v, err := Invoke(context.Background(), ex, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestInvoke_ContextBoundsWaitOnly(t *testing.T) {
	ex := startExecutor(t)

	release := make(chan struct{})
	ran := make(chan struct{})
	blocker := InvokeAsync(ex, func() (int, error) {
		<-release
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Invoke(ctx, ex, func() (int, error) {
		close(ran)
		return 0, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-blocker
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("abandoned work did not run")
	}
}

func TestPending(t *testing.T) {
	ex := startExecutor(t)

	release := make(chan struct{})
	first := InvokeAsync(ex, func() (int, error) {
		<-release
		return 0, nil
	})
	// Wait until the blocker is running so the queue holds only what follows.
	require.Eventually(t, func() bool { return ex.Pending() == 0 }, time.Second, time.Millisecond)

	second := InvokeAsync(ex, func() (int, error) { return 0, nil })
	assert.Equal(t, 1, ex.Pending())

	close(release)
	<-first
	<-second
	assert.Equal(t, 0, ex.Pending())
}
