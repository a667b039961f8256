// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Executor schedules a loaded process to run to its next block. The
// engine ships two flavors: ThreadPoolExecutor (C7, in-process, bounded
// goroutine pool) and QueueExecutor (C8, hands the run off to a
// distributed broker so any worker process in the cluster may pick it
// up). Both share the same at-most-once-per-step contract: Submit must
// not be called again for a process already running somewhere.
type Executor interface {
	// Submit schedules processID to run to its next blocking point.
	// user is the identity that authorized this run, or nil for
	// system-initiated resumption (retry/resume-all).
	Submit(ctx context.Context, processID uuid.UUID, user *User) error
	// Drain blocks until every in-flight run this executor scheduled has
	// finished, or ctx is cancelled first.
	Drain(ctx context.Context) error
}

// ThreadPoolExecutor runs processes on goroutines drawn from a bounded
// pool, the same semaphore-plus-WaitGroup pattern the in-process runner
// uses: a buffered channel caps concurrency, and a WaitGroup lets Drain
// wait for every scheduled goroutine to finish.
type ThreadPoolExecutor struct {
	rt        *Runtime
	semaphore chan struct{}
	wg        sync.WaitGroup
	draining  atomic.Bool
	logger    *slog.Logger
}

// NewThreadPoolExecutor builds a ThreadPoolExecutor with maxWorkers
// concurrent goroutines. maxWorkers <= 0 is treated as 1.
func NewThreadPoolExecutor(rt *Runtime, maxWorkers int, logger *slog.Logger) *ThreadPoolExecutor {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadPoolExecutor{
		rt:        rt,
		semaphore: make(chan struct{}, maxWorkers),
		logger:    logger.With(slog.String("component", "threadpool_executor")),
	}
}

// Submit schedules processID onto the pool. If the pool is draining,
// Submit fails fast rather than queuing more work behind a shutdown.
func (e *ThreadPoolExecutor) Submit(ctx context.Context, processID uuid.UUID, user *User) error {
	if e.draining.Load() {
		return context.Canceled
	}
	stat, err := e.rt.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.semaphore <- struct{}{}
		defer func() { <-e.semaphore }()

		runCtx := context.Background()
		sig, runErr := e.rt.RunToBlock(runCtx, stat, user)
		if runErr != nil {
			e.logger.Error("run failed", slog.String("process_id", processID.String()), slog.Any("error", runErr))
			return
		}
		e.logger.Info("run blocked", slog.String("process_id", processID.String()), slog.String("status", string(sig.Status())))
	}()
	return nil
}

// Drain waits for every scheduled goroutine to return, or ctx to expire.
func (e *ThreadPoolExecutor) Drain(ctx context.Context) error {
	e.draining.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncExecutor runs every submission to completion inline on the
// calling goroutine instead of handing it to a pool or broker. It backs
// the `testing: true` configuration flag (spec §6), where deterministic,
// synchronous step execution matters more than throughput.
type SyncExecutor struct {
	rt *Runtime
}

// NewSyncExecutor builds a SyncExecutor over rt.
func NewSyncExecutor(rt *Runtime) *SyncExecutor {
	return &SyncExecutor{rt: rt}
}

// Submit loads processID and runs it to its next block before returning.
func (e *SyncExecutor) Submit(ctx context.Context, processID uuid.UUID, user *User) error {
	stat, err := e.rt.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}
	_, err = e.rt.RunToBlock(ctx, stat, user)
	return err
}

// Drain is a no-op: Submit never returns before the run has finished.
func (e *SyncExecutor) Drain(ctx context.Context) error { return nil }

// QueueJob is the message a QueueExecutor publishes and a distributed
// worker consumes. It is deliberately minimal: the worker re-derives
// everything else (workflow, remaining steps) from the process store via
// LoadProcess, so the queue payload never goes stale relative to the
// durable state.
type QueueJob struct {
	ProcessID uuid.UUID
	UserName  string
	UserRoles []string
}

// Queue is the broker abstraction QueueExecutor publishes onto and a
// distributed worker consumes from. Named queues (spec §4.7: default,
// retry, callback) let a deployment give different priority or scaling
// to fresh starts versus retries versus callback resumptions.
type Queue interface {
	Publish(ctx context.Context, queueName string, job QueueJob) error
	Consume(ctx context.Context, queueName string) (QueueJob, func(ack bool), error)
}

// Queue names, matching the three lanes spec §4.7 documents.
const (
	QueueDefault  = "conductor.default"
	QueueRetry    = "conductor.retry"
	QueueCallback = "conductor.callback"
)

// QueueExecutor hands each submission to a Queue rather than running it
// locally, so any worker process attached to the same broker may execute
// it. This is the distributed flavor (C8); which queue a submission uses
// is chosen by the caller (Entry API) based on why the process is being
// scheduled.
type QueueExecutor struct {
	queue     Queue
	queueName func(processID uuid.UUID, user *User) string
}

// NewQueueExecutor builds a QueueExecutor publishing onto queue. If
// queueName is nil, every submission uses QueueDefault.
func NewQueueExecutor(queue Queue, queueName func(uuid.UUID, *User) string) *QueueExecutor {
	if queueName == nil {
		queueName = func(uuid.UUID, *User) string { return QueueDefault }
	}
	return &QueueExecutor{queue: queue, queueName: queueName}
}

// Submit publishes a QueueJob; it does not load or touch the process
// store, since the consuming worker is responsible for that.
func (e *QueueExecutor) Submit(ctx context.Context, processID uuid.UUID, user *User) error {
	job := QueueJob{ProcessID: processID}
	if user != nil {
		job.UserName = user.Name
		job.UserRoles = user.Roles
	}
	return e.queue.Publish(ctx, e.queueName(processID, user), job)
}

// Drain is a no-op for QueueExecutor: once a job is published, draining
// in-flight work is the consuming worker's responsibility, not the
// publisher's. Callers that need to wait for cluster-wide quiescence
// should instead poll EngineSettings.RunningProcesses via the Store.
func (e *QueueExecutor) Drain(ctx context.Context) error { return nil }

// RunQueueWorker consumes jobs from queueName until ctx is cancelled,
// running each to its next block via rt. It is the distributed
// counterpart of ThreadPoolExecutor's internal goroutine body, meant to
// run as its own long-lived process (the "queue worker" deployment
// flavor the spec's executor table describes).
func RunQueueWorker(ctx context.Context, rt *Runtime, queue Queue, queueName string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, ack, err := queue.Consume(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("consume failed", slog.Any("error", err))
			continue
		}

		var user *User
		if job.UserName != "" {
			user = &User{Name: job.UserName, Roles: job.UserRoles}
		}

		stat, err := rt.LoadProcess(ctx, job.ProcessID)
		if err != nil {
			logger.Error("load failed", slog.String("process_id", job.ProcessID.String()), slog.Any("error", err))
			ack(false)
			continue
		}
		if _, err := rt.RunToBlock(ctx, stat, user); err != nil {
			logger.Error("run failed", slog.String("process_id", job.ProcessID.String()), slog.Any("error", err))
			ack(false)
			continue
		}
		ack(true)
	}
}
