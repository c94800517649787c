// Package runtime drives the match agent: claim jobs from the queue, fan
// them out to the processor with bounded parallelism, settle the receipts,
// and drain cleanly on shutdown.
package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/worker/internal/config"
	"github.com/example/commatch/worker/internal/heartbeat"
	"github.com/example/commatch/worker/internal/processor"
	"github.com/example/commatch/worker/internal/telemetry"
)

type Runtime struct {
	cfg   config.Config
	queue state.Queue
	proc  *processor.Processor
	hb    *heartbeat.Client
	tel   telemetry.Client

	mu       sync.Mutex
	inFlight int
	depth    int
}

func New(cfg config.Config, queue state.Queue, proc *processor.Processor, hb *heartbeat.Client, tel telemetry.Client) *Runtime {
	return &Runtime{cfg: cfg, queue: queue, proc: proc, hb: hb, tel: tel}
}

// Run polls until the context ends, then waits for in-flight jobs to finish.
func (r *Runtime) Run(ctx context.Context) error {
	if r.hb != nil {
		go r.hb.Start(ctx)
	}
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	requeue := time.NewTicker(r.cfg.ClaimVisibility)
	defer requeue.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			log.Printf("runtime: draining %d in-flight jobs", r.current())
			wg.Wait()
			return nil
		case <-requeue.C:
			// Agents repair expired claims too, so dead peers' jobs get
			// redelivered even when no gateway sweep is running.
			if n, err := r.queue.RequeueExpired(ctx, time.Now().UTC(), r.cfg.MaxParallelJobs); err != nil {
				log.Printf("runtime: requeue expired: %v", err)
			} else if n > 0 {
				log.Printf("runtime: requeued %d expired claims", n)
			}
		case <-t.C:
			free := r.cfg.MaxParallelJobs - r.current()
			if free <= 0 {
				continue
			}
			claims, err := r.queue.Claim(ctx, free, r.cfg.WorkerID, r.cfg.ClaimVisibility)
			if err != nil {
				log.Printf("runtime: claim failed: %v", err)
				continue
			}
			if depth, derr := r.queue.PendingDepth(ctx); derr == nil {
				r.setDepth(depth)
			}
			for _, claim := range claims {
				r.add(1)
				wg.Add(1)
				go func(claim state.QueueClaim) {
					defer wg.Done()
					defer r.add(-1)
					r.handle(ctx, claim)
				}(claim)
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, claim state.QueueClaim) {
	outcome := r.proc.Process(ctx, claim.Job)
	// Settling the receipt must survive a cancelled poll context, otherwise
	// graceful shutdown turns finished work into redeliveries.
	settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch outcome {
	case processor.OutcomeAck:
		if err := r.queue.Ack(settleCtx, []state.QueueClaim{claim}); err != nil {
			log.Printf("runtime: ack %s: %v", claim.Job.TaskID, err)
		}
	case processor.OutcomeRetry:
		// The reason decides dead-lettering: only error nacks count toward
		// the queue's limit.
		if err := r.queue.Nack(settleCtx, []state.QueueClaim{claim}, state.NackReasonError); err != nil {
			log.Printf("runtime: nack %s: %v", claim.Job.TaskID, err)
		}
	}
	r.tel.Incr("worker.job.processed")
}

func (r *Runtime) add(delta int) {
	r.mu.Lock()
	r.inFlight += delta
	n, d := r.inFlight, r.depth
	r.mu.Unlock()
	if r.hb != nil {
		r.hb.SetStats(n, d)
	}
}

func (r *Runtime) setDepth(depth int) {
	r.mu.Lock()
	r.depth = depth
	n := r.inFlight
	r.mu.Unlock()
	if r.hb != nil {
		r.hb.SetStats(n, depth)
	}
}

func (r *Runtime) current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}
