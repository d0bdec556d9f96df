package scheduler

import (
	"TourGuard/pkg/logger"
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

type Cron struct {
	c       *cron.Cron
	loc     *time.Location
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewCron 每次任务执行都带有超时上下文，Stop 时取消
func NewCron(loc *time.Location, jobTimeout time.Duration) *Cron {
	if loc == nil {
		loc = time.Local
	}
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Cron{c: c, loc: loc, ctx: ctx, cancel: cancel, timeout: jobTimeout}
}

func (cr *Cron) Start() { cr.c.Start() }

func (cr *Cron) Stop() {
	cr.cancel()
	<-cr.c.Stop().Done()
}

func (cr *Cron) Add(name, expr string, job Job) (cron.EntryID, error) {
	id, err := cr.c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(cr.ctx, cr.timeout)
		defer cancel()
		start := time.Now()
		job.Run(ctx)
		logger.Debug("cron job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	})
	if err != nil {
		return 0, err
	}
	logger.Info("cron job scheduled", zap.String("job", name), zap.String("spec", expr))
	return id, nil
}

func (cr *Cron) Entries() []cron.Entry { return cr.c.Entries() }
