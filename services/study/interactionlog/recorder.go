// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactionlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink stores a batch of events. A returned error means none of the batch
// should be considered written.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// BatchObserver is told about every batch the Recorder attempts.
type BatchObserver interface {
	LogBatch(events int, attempts int, err error)
}

// Config tunes a Recorder. Zero values take the defaults shown.
type Config struct {
	// BatchSize is the most events sent in one write. Default 10.
	BatchSize int

	// MaxAttempts per batch before it is put back on the queue. Default 3.
	MaxAttempts int

	// Backoff is multiplied by the attempt number between retries.
	// Default 1s.
	Backoff time.Duration

	// FlushInterval drains partial batches. Default 5s.
	FlushInterval time.Duration

	// MaxQueue bounds memory when the sink is down. New events are dropped
	// past it. Default 10000.
	MaxQueue int

	Logger   *slog.Logger
	Observer BatchObserver
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 10000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Recorder queues events and writes them to a Sink in batches.
//
// # Description
//
// Record never blocks on the sink. A background loop sends a batch as soon
// as BatchSize events are waiting and drains whatever is left every
// FlushInterval. Each batch is tried MaxAttempts times with linear backoff;
// a batch that still fails goes back to the front of the queue, in order,
// and sending stops until the next trigger.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called to stop the loop.
type Recorder struct {
	sink Sink
	cfg  Config

	mu      sync.Mutex
	queue   []Event
	dropped int

	// sending serializes queue processing between the loop and Flush.
	sending sync.Mutex

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRecorder starts a Recorder writing to sink.
func NewRecorder(sink Sink, cfg Config) *Recorder {
	r := newRecorder(sink, cfg, sleepContext)
	go r.loop()
	return r
}

func newRecorder(sink Sink, cfg Config, sleep func(context.Context, time.Duration) error) *Recorder {
	return &Recorder{
		sink:    sink,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		sleep:   sleep,
	}
}

// Record queues an event. It returns false when the queue is full.
func (r *Recorder) Record(ev Event) bool {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if len(r.queue) >= r.cfg.MaxQueue {
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		if dropped == 1 || dropped%1000 == 0 {
			r.cfg.Logger.Warn("Interaction log queue full, dropping events", "dropped", dropped)
		}
		return false
	}
	r.queue = append(r.queue, ev)
	full := len(r.queue) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the number of queued events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Flush sends every queued event now. It stops at the first batch that
// exhausts its attempts and returns that error.
func (r *Recorder) Flush(ctx context.Context) error {
	r.sending.Lock()
	defer r.sending.Unlock()

	for {
		batch := r.take()
		if len(batch) == 0 {
			return nil
		}
		if err := r.send(ctx, batch); err != nil {
			r.requeue(batch)
			return err
		}
	}
}

// Close stops the loop and makes a final Flush bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
	if err := r.Flush(ctx); err != nil {
		return fmt.Errorf("interaction log: %d events not written: %w", r.Pending(), err)
	}
	return nil
}

func (r *Recorder) loop() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		case <-ticker.C:
		}
		if err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.cfg.Logger.Warn("Interaction log batch failed, will retry", "pending", r.Pending(), "error", err)
		}
	}
}

func (r *Recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(r.queue), r.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	return batch
}

func (r *Recorder) requeue(batch []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(batch, r.queue...)
}

func (r *Recorder) send(ctx context.Context, batch []Event) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = r.sink.WriteEvents(ctx, batch)
		if err == nil {
			r.observe(len(batch), attempt, nil)
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if serr := r.sleep(ctx, r.cfg.Backoff*time.Duration(attempt)); serr != nil {
			r.observe(len(batch), attempt, serr)
			return serr
		}
	}
	r.observe(len(batch), r.cfg.MaxAttempts, err)
	return err
}

func (r *Recorder) observe(events, attempts int, err error) {
	if r.cfg.Observer != nil {
		r.cfg.Observer.LogBatch(events, attempts, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
