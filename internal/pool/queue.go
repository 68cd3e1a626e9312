package pool

import (
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/logger"
)

// Queue runs blocking work (disk I/O, decoding, encoding) off the caller's
// goroutine on a bounded set of workers.
type Queue struct {
	name string
	pool *ants.Pool
}

func NewQueue(workers int, name string, log *zap.Logger) (*Queue, error) {
	log = log.With(zap.String("queue", name))
	p, err := ants.NewPool(workers, ants.WithOptions(ants.Options{
		ExpiryDuration:   1 * time.Minute, // worker lifespan when unused
		PreAlloc:         false,
		MaxBlockingTasks: 0, // no limit on tasks we can submit
		Nonblocking:      false,
		PanicHandler: func(err any) {
			log.Error("Panic from internal queue", zap.Any("panic", err))
		},
		Logger:       logger.Printf{Log: log},
		DisablePurge: false,
	}))
	if err != nil {
		return nil, err
	}
	return &Queue{name: name, pool: p}, nil
}

// Schedule submits task. It blocks only while every worker is busy.
func (q *Queue) Schedule(task func()) error {
	return q.pool.Submit(task)
}

// Enqueue hands task to the pool without blocking the caller. While every
// worker is busy the submission waits on a goroutine of its own. onErr gets
// the error if the pool refuses the task.
func (q *Queue) Enqueue(task func(), onErr func(error)) {
	go func() {
		if err := q.pool.Submit(task); err != nil {
			onErr(err)
		}
	}()
}

func (q *Queue) Running() int {
	return q.pool.Running()
}

func (q *Queue) Resize(workers int) {
	q.pool.Tune(workers)
}

// Drain waits up to timeout for queued tasks and stops the workers.
func (q *Queue) Drain(timeout time.Duration) error {
	return q.pool.ReleaseTimeout(timeout)
}
