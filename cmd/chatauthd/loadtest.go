package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/projectchat/chatauth"
)

type loadtestOptions struct {
	principals  int
	concurrency int
	ops         int
	duplicates  int
	dupRate     float64
	redisAddr   string
	prefix      string
}

// NewLoadtestCmd creates the loadtest subcommand.
func NewLoadtestCmd() *cobra.Command {
	opts := loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run a concurrent refresh rotation storm",
		Long: `Seed principals, then refresh them concurrently while replaying some
refresh tokens in parallel. Reports rotation winners, conflicts and reuse
detections, and checks that no principal ends with more than one active
refresh credential.

Uses --redis-addr, then REDIS_ADDR, then an in-process miniredis.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadtestCmd(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.principals, "principals", 1000, "number of principals to seed")
	f.IntVar(&opts.concurrency, "concurrency", 64, "number of concurrent workers")
	f.IntVar(&opts.ops, "ops", 20000, "refresh operations to run")
	f.IntVar(&opts.duplicates, "duplicates", 2, "parallel presentations of a replayed token")
	f.Float64Var(&opts.dupRate, "dup-rate", 0.05, "fraction of operations that replay their token")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "redis address")
	f.StringVar(&opts.prefix, "prefix", "crt-load", "credential key prefix")
	return cmd
}

func runLoadtestCmd(cmd *cobra.Command, opts loadtestOptions) error {
	if opts.principals <= 0 || opts.concurrency <= 0 || opts.ops <= 0 || opts.duplicates < 2 {
		return oops.Code("INVALID_FLAG").Errorf("principals, concurrency and ops must be > 0; duplicates must be >= 2")
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	addr := opts.redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return oops.Code("MINIREDIS_FAILED").Wrap(err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer func() { _ = client.Close() }()

	cfg, err := s.ManagerConfig()
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	cfg.Store.RedisPrefix = opts.prefix
	manager, err := chatauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))).
		Build()
	if err != nil {
		return oops.Code("MANAGER_BUILD_FAILED").Wrap(err)
	}
	defer manager.Close()

	report, err := runLoadtest(ctx, manager, opts, out)
	if err != nil {
		return err
	}
	printReport(out, report)
	if report.violations > 0 {
		return oops.Code("INVARIANT_VIOLATED").Errorf("%d principals hold more than one active refresh credential", report.violations)
	}
	return nil
}

type principalState struct {
	id    string
	mu    sync.Mutex
	token string
}

type loadtestReport struct {
	seeded     time.Duration
	stats      phaseStats
	winners    int64
	conflicts  int64
	reuse      int64
	relogins   int64
	other      int64
	violations int
}

func runLoadtest(ctx context.Context, manager *chatauth.SessionManager, opts loadtestOptions, out io.Writer) (loadtestReport, error) {
	var report loadtestReport

	states := make([]*principalState, opts.principals)
	fmt.Fprintf(out, "seeding %d principals...\n", opts.principals)
	startSeed := time.Now()
	for i := range states {
		st := &principalState{id: fmt.Sprintf("user-%d", i)}
		pair, err := manager.Login(ctx, chatauth.Identity{PrincipalID: st.id})
		if err != nil {
			return report, oops.Code("SEED_FAILED").With("principal", st.id).Wrap(err)
		}
		st.token = pair.RefreshToken
		states[i] = st
	}
	report.seeded = time.Since(startSeed)

	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, opts.ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= opts.ops {
					return
				}
				st := states[r.Intn(len(states))]
				presentations := 1
				if r.Float64() < opts.dupRate {
					presentations = opts.duplicates
				}

				st.mu.Lock()
				presented := st.token
				st.mu.Unlock()

				t0 := time.Now()
				results := presentConcurrently(ctx, manager, presented, presentations)
				d := time.Since(t0)

				won := false
				killed := false
				for _, res := range results {
					switch {
					case res.err == nil:
						atomic.AddInt64(&report.winners, 1)
						st.mu.Lock()
						if st.token == presented {
							st.token = res.pair.RefreshToken
						}
						st.mu.Unlock()
						won = true
					case errors.Is(res.err, chatauth.ErrConcurrentRotationConflict):
						atomic.AddInt64(&report.conflicts, 1)
					case chatauth.KindOf(res.err).ForceLogout():
						atomic.AddInt64(&report.reuse, 1)
						killed = true
					case chatauth.KindOf(res.err).ReauthRequired():
						killed = true
					default:
						atomic.AddInt64(&report.other, 1)
						atomic.AddInt64(&failures, 1)
					}
				}
				if killed || !won {
					relogin(ctx, manager, st, &report.relogins)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	report.stats = computeStats(time.Since(start), latencies, failures)

	for _, st := range states {
		recs, err := manager.ListCredentials(ctx, st.id)
		if err != nil {
			return report, oops.Code("VERIFY_FAILED").With("principal", st.id).Wrap(err)
		}
		active := 0
		for _, rec := range recs {
			if !rec.Revoked {
				active++
			}
		}
		if active > 1 {
			report.violations++
		}
	}
	return report, nil
}

type presentResult struct {
	pair *chatauth.TokenPair
	err  error
}

func presentConcurrently(ctx context.Context, manager *chatauth.SessionManager, token string, n int) []presentResult {
	results := make([]presentResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair, err := manager.Refresh(ctx, token)
			results[i] = presentResult{pair: pair, err: err}
		}(i)
	}
	wg.Wait()
	return results
}

// relogin replaces a principal's chain after reuse detection killed it.
func relogin(ctx context.Context, manager *chatauth.SessionManager, st *principalState, counter *int64) {
	pair, err := manager.Login(ctx, chatauth.Identity{PrincipalID: st.id})
	if err != nil {
		return
	}
	atomic.AddInt64(counter, 1)
	st.mu.Lock()
	st.token = pair.RefreshToken
	st.mu.Unlock()
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printReport(w io.Writer, r loadtestReport) {
	s := r.stats
	fmt.Fprintln(w, "---- results ----")
	fmt.Fprintf(w, "seeded in %s\n", r.seeded.Round(time.Millisecond))
	fmt.Fprintf(w, "refresh: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
	fmt.Fprintf(w, "winners=%d conflicts=%d reuse_detected=%d relogins=%d other=%d\n",
		r.winners, r.conflicts, r.reuse, r.relogins, r.other)
	fmt.Fprintf(w, "single-active violations=%d\n", r.violations)
}
