package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSerialized(t *testing.T) {
	var (
		ctx     = context.Background()
		q       = New()
		wg      sync.WaitGroup
		running int
		maxRun  int
		count   int
	)
	defer q.Close()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(ctx, func() error {
				running++
				if running > maxRun {
					maxRun = running
				}
				count++
				running--
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("got %d runs, want 50", count)
	}
	if maxRun != 1 {
		t.Errorf("got %d concurrent runs, want 1", maxRun)
	}
}

func TestResult(t *testing.T) {
	q := New()
	defer q.Close()

	errBoom := errors.New("boom")
	if err := q.Do(context.Background(), func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Errorf("got %v, want %v", err, errBoom)
	}
}

func TestClosed(t *testing.T) {
	q := New()
	q.Close()
	q.Close()

	var ran bool
	err := q.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if ran {
		t.Error("function ran on closed queue")
	}
}

func TestCanceled(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Do(ctx, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
