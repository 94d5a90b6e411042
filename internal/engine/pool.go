package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"polywatch/internal/config"
)

// statsPool runs detector evaluation off the ingestion path while keeping
// per-market emission order: tasks are sharded by market ID and each shard
// is a FIFO served by exactly one worker, so two ingestion ticks of the
// same market can never interleave. Small inputs run inline when their
// shard is idle; a full shard applies backpressure to the dispatcher
// instead of dropping or reordering work.
//
// All submissions come from the single ingestion dispatcher, which is what
// makes the idle fast path safe: no second producer can enqueue for the
// same market between the idle check and the inline run.
type statsPool struct {
	shards    []*poolShard
	threshold int
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

type poolShard struct {
	tasks chan func()
	busy  atomic.Int64 // queued + running
}

func newStatsPool(cfg config.WorkerConfig) *statsPool {
	n := cfg.PoolSize
	if n <= 0 {
		n = 1
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	per := queue / n
	if per < 1 {
		per = 1
	}

	p := &statsPool{
		shards:    make([]*poolShard, n),
		threshold: cfg.SmallInputThreshold,
	}
	for i := range p.shards {
		p.shards[i] = &poolShard{tasks: make(chan func(), per)}
	}
	return p
}

// Run starts one worker per shard and blocks until ctx ends and the queues
// drain.
func (p *statsPool) Run(ctx context.Context) {
	for _, sh := range p.shards {
		p.wg.Add(1)
		go func(sh *poolShard) {
			defer p.wg.Done()
			for task := range sh.tasks {
				task()
				sh.busy.Add(-1)
			}
		}(sh)
	}
	<-ctx.Done()
	p.Close()
	p.wg.Wait()
}

func (p *statsPool) shardFor(key string) *poolShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

// Submit schedules fn on the key's shard, running it inline when the input
// is small and the shard has nothing pending or running.
func (p *statsPool) Submit(key string, inputSize int, fn func()) {
	if p.closed.Load() {
		fn()
		return
	}
	sh := p.shardFor(key)
	if inputSize <= p.threshold && sh.busy.Load() == 0 {
		fn()
		return
	}

	sh.busy.Add(1)
	defer func() {
		// Closed mid-send: run the task inline, ordering no longer matters
		// at shutdown.
		if recover() != nil {
			sh.busy.Add(-1)
			fn()
		}
	}()
	sh.tasks <- fn
}

// Close stops accepting tasks; queued tasks still drain.
func (p *statsPool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		for _, sh := range p.shards {
			close(sh.tasks)
		}
	})
}
