package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ambiware-labs/timbre/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReturnsTaskError(t *testing.T) {
	pool := New(context.Background(), config.ExecutorConfig{Workers: 2, QueueSize: 4}, testLogger())
	defer pool.Close()

	want := errors.New("synthesis blew up")
	err := pool.Run(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Run error = %v, want %v", err, want)
	}

	if err := pool.Run(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Run after failure = %v, want nil", err)
	}
}

func TestConcurrencyNeverExceedsWorkers(t *testing.T) {
	const workers = 3
	pool := New(context.Background(), config.ExecutorConfig{Workers: workers, QueueSize: 32}, testLogger())
	defer pool.Close()

	var running int64
	var peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func(ctx context.Context) error {
				now := atomic.AddInt64(&running, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > workers {
		t.Fatalf("peak concurrency = %d, want <= %d", got, workers)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	pool := New(context.Background(), config.ExecutorConfig{Workers: 1, QueueSize: 1}, testLogger())
	pool.Close()

	if _, err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit error = %v, want ErrClosed", err)
	}
}

func TestCloseDrainsQueuedTasks(t *testing.T) {
	pool := New(context.Background(), config.ExecutorConfig{Workers: 1, QueueSize: 8}, testLogger())

	var ran int64
	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		futures = append(futures, f)
	}
	pool.Close()

	if got := atomic.LoadInt64(&ran); got != 5 {
		t.Fatalf("ran %d tasks, want 5", got)
	}
	for _, f := range futures {
		if err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func TestPanicBecomesError(t *testing.T) {
	pool := New(context.Background(), config.ExecutorConfig{Workers: 1, QueueSize: 1}, testLogger())
	defer pool.Close()

	err := pool.Run(context.Background(), func(ctx context.Context) error {
		panic("model segfault")
	})
	if err == nil {
		t.Fatal("expected error from panicking task")
	}

	if err := pool.Run(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("pool unusable after panic: %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	pool := New(context.Background(), config.ExecutorConfig{Workers: 1, QueueSize: 1}, testLogger())
	defer pool.Close()

	release := make(chan struct{})
	f, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want deadline exceeded", err)
	}
	close(release)
}
