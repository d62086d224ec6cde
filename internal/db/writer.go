package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrWriterClosed is returned by Do after Close.
var ErrWriterClosed = errors.New("db writer closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Writer runs every write transaction on a single goroutine so that SQLite
// never sees two writers from this process at once.
type Writer struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:   db,
		jobs: make(chan job, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close drains queued jobs and stops the writer. It is idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

// Do runs fn inside a transaction on the writer goroutine. If ctx expires
// while the job is queued or running, Do returns ctx.Err() and the result of
// the transaction is discarded.
func (w *Writer) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.jobs <- job{ctx: ctx, fn: fn, ch: ch}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)

	for j := range w.jobs {
		j.ch <- w.run(j)
	}
}

func (w *Writer) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
