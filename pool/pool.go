// Package pool dispatches per-file compression to worker goroutines. The
// coordinator stays the sole writer; workers share no mutable state.
package pool

import (
	"context"
	"crypto/sha1"
	"os"

	"arcd/wrap"

	metro "github.com/dgryski/go-metro"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Task names one input file and its slot in the dispatch order.
type Task struct {
	Index int
	Path  string
}

// Result is a self-contained compression product. Hash64 fingerprints the
// raw bytes so verification does not have to re-read the source file.
type Result struct {
	Index   int
	Wrapped []byte
	RawSize int
	Hash64  uint64
	Sum     [sha1.Size]byte
}

// Compressor owns the worker configuration for one pipeline run.
type Compressor struct {
	Jobs    int
	Level   int
	WithSum bool
}

func compressFile(path string, level int, withSum bool) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, errors.Wrapf(err, "read %s", path)
	}
	wrapped, err := wrap.Encode(raw, level)
	if err != nil {
		return Result{}, errors.Wrapf(err, "compress %s", path)
	}
	r := Result{Wrapped: wrapped, RawSize: len(raw), Hash64: metro.Hash64(raw, 0)}
	if withSum {
		r.Sum = sha1.Sum(raw)
	}
	return r, nil
}

// Run compresses every task and hands each result to emit on the calling
// goroutine, in completion order. With one job everything runs inline and
// completion order equals dispatch order. A worker error cancels the peers
// and wins over later emit errors.
func (c *Compressor) Run(tasks []Task, emit func(Result) error) error {
	if c.Jobs <= 1 {
		for _, t := range tasks {
			r, err := compressFile(t.Path, c.Level, c.WithSum)
			if err != nil {
				return err
			}
			r.Index = t.Index
			if err := emit(r); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	taskCh := make(chan Task)
	resCh := make(chan Result, c.Jobs)

	g.Go(func() error {
		defer close(taskCh)
		for _, t := range tasks {
			select {
			case taskCh <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < c.Jobs; i++ {
		g.Go(func() error {
			for t := range taskCh {
				r, err := compressFile(t.Path, c.Level, c.WithSum)
				if err != nil {
					return err
				}
				r.Index = t.Index
				select {
				case resCh <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(resCh)
	}()

	var emitErr error
	for r := range resCh {
		if emitErr != nil {
			continue // drain; workers are already cancelling
		}
		if err := emit(r); err != nil {
			emitErr = err
			cancel()
		}
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return emitErr
}
