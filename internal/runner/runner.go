package runner

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"streamq/internal/cases"
	"streamq/internal/events"
	"streamq/internal/exchange"
	"streamq/internal/ids"
	"streamq/internal/shape"
	"streamq/internal/stats"
	"streamq/internal/user"
)

type handle struct {
	u    *user.User
	stop chan struct{}
}

type Runner struct {
	Cfg     Config
	Stats   *stats.Registry
	Pool    *cases.Pool
	Updates StatsUpdateChan

	logger *zap.Logger
	writer *exchange.Writer

	mu      sync.Mutex
	users   []handle
	spawned int
	peak    int
	wg      sync.WaitGroup

	active  int64
	target  int64
	started atomic.Int64 // unix nanos
}

func NewRunner(cfg Config, updates StatsUpdateChan, logger *zap.Logger) *Runner {
	if updates == nil {
		// Avoid nil panics if not provided
		updates = make(StatsUpdateChan, 10)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Job == "" {
		cfg.Job = ids.JobInstanceID("")
	}

	return &Runner{
		Cfg:     cfg,
		Stats:   stats.NewRegistry(),
		Pool:    cfg.Scenario.Pool(rand.New(rand.NewSource(time.Now().UnixNano()))),
		Updates: updates,
		logger:  logger,
		writer:  exchange.NewWriter(),
	}
}

// StartTickLoop starts a goroutine that pushes stats updates
func (r *Runner) StartTickLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendUpdate(false)
			}
		}
	}()
}

// Snapshot copies the current counters.
func (r *Runner) Snapshot() StatsSnapshot {
	reqs, fail := r.Stats.Totals()
	s := StatsSnapshot{
		Duration: r.Cfg.Scenario.Shape.Duration(),
		Users:    int(atomic.LoadInt64(&r.active)),
		Target:   int(atomic.LoadInt64(&r.target)),
		Requests: reqs,
		Fail:     fail,
		Entries:  r.Stats.Summaries(),
	}
	if start := r.started.Load(); start != 0 {
		s.Elapsed = time.Since(time.Unix(0, start))
	}
	return s
}

func (r *Runner) sendUpdate(done bool) {
	s := r.Snapshot()
	s.Done = done

	if done {
		// the final snapshot must arrive, so make room for it
		for {
			select {
			case r.Updates <- s:
				return
			default:
				select {
				case <-r.Updates:
				default:
				}
			}
		}
	}
	// Non-blocking send
	select {
	case r.Updates <- s:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

// Run follows the shape until it signals the end or ctx is done. When the
// shape ends, users finish their exchange in flight before Run returns;
// cancelling ctx aborts them.
func (r *Runner) Run(ctx context.Context) {
	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()

	sink := events.NewAsync(events.Multi(append([]events.Sink{r.Stats}, r.Cfg.Sinks...)), 1024)

	start := time.Now()
	r.started.Store(start.UnixNano())
	r.StartTickLoop(tickCtx, 200*time.Millisecond)

	deps := user.Deps{Scenario: r.Cfg.Scenario, Pool: r.Pool, Sink: sink, Logger: r.logger}
	var limiter *rate.Limiter
	sh := r.Cfg.Scenario.Shape

	ticker := time.NewTicker(r.Cfg.TickInterval)
	defer ticker.Stop()

loop:
	for {
		t, ok := sh.Tick(shape.RunState{Elapsed: time.Since(start)})
		if !ok {
			r.logger.Info("shape finished", zap.Duration("elapsed", time.Since(start)))
			break
		}
		atomic.StoreInt64(&r.target, int64(t.Users))
		spawnRate := max(t.Rate, 1)
		if limiter == nil {
			limiter = rate.NewLimiter(rate.Limit(spawnRate), spawnRate)
		} else if limiter.Burst() != spawnRate {
			limiter.SetLimit(rate.Limit(spawnRate))
			limiter.SetBurst(spawnRate)
		}
		if err := r.adjust(ctx, t.Users, limiter, deps); err != nil {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	r.stopAll()
	r.wg.Wait()
	sink.Close()
	if err := r.writer.Close(); err != nil {
		r.logger.Warn("close exchange logs", zap.Error(err))
	}

	stopTicks()
	r.sendUpdate(true)
}

// adjust spawns or stops users until target is met. Spawning is paced by
// limiter, stopping is immediate.
func (r *Runner) adjust(ctx context.Context, target int, limiter *rate.Limiter, deps user.Deps) error {
	for r.count() < target {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		r.spawn(ctx, deps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.users) > target {
		last := r.users[len(r.users)-1]
		r.users = r.users[:len(r.users)-1]
		close(last.stop)
	}
	return nil
}

func (r *Runner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Runner) spawn(ctx context.Context, deps user.Deps) {
	r.mu.Lock()
	r.spawned++
	id := r.spawned
	sc := r.Cfg.Scenario
	session := ids.SessionID(r.Cfg.Job, sc.Parent, sc.Title, id)

	var log *exchange.SessionLog
	if r.Cfg.LogDir != "" {
		log = exchange.NewSessionLog(r.writer, r.Cfg.LogDir, sc.Parent, sc.Title, session)
	}
	h := handle{u: user.New(id, session, deps, log, r.Cfg.Options), stop: make(chan struct{})}
	r.users = append(r.users, h)
	r.peak = max(r.peak, len(r.users))
	r.mu.Unlock()

	r.wg.Add(1)
	atomic.AddInt64(&r.active, 1)
	go func() {
		defer r.wg.Done()
		defer atomic.AddInt64(&r.active, -1)
		h.u.Run(ctx, h.stop)
	}()
	r.logger.Debug("user spawned", zap.Int("user", id), zap.String("session", session))
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.users {
		close(h.stop)
	}
	r.users = nil
}

// Peak is the highest number of users that ran at once.
func (r *Runner) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// Job is the job instance id used in session ids.
func (r *Runner) Job() string { return r.Cfg.Job }
