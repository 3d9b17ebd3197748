// queuebench 压测 debounce 调度与任务认领路径：
// 并发 ScheduleReply 打同一批粉丝（制造 create/extend 竞争），
// 然后单线程 NextDue+Claim 清空队列，输出延迟分位数。
//
//	N=10000 CONC=8 FANS=500 go run ./cmd/queuebench
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/internal/service"
	"github.com/d60-Lab/inbox-autopilot/pkg/database"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 { return v }
	}
	return def
}

func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	must(0, database.Migrate(db))

	N := envInt("N", 10000)
	CONC := envInt("CONC", 8)
	FANS := envInt("FANS", 500)

	jobRepo := repository.NewJobRepository(db)
	scheduler := service.NewScheduler(jobRepo, service.NewDelayModel(cfg.Delay))
	ctx := context.Background()

	creatorID := uuid.New().String()
	fans := make([]*model.Fan, FANS)
	for i := range fans {
		fans[i] = &model.Fan{
			ID: uuid.New().String(), CreatorID: creatorID,
			FanvueFanID: uuid.New().String(), Stage: model.StageNew,
		}
	}
	batch := 500
	for i := 0; i < FANS; i += batch {
		end := i + batch
		if end > FANS { end = FANS }
		_ = db.Create(fans[i:end]).Error
	}

	// 并发 schedule：FANS 远小于 N，绝大部分调用走 extend 路径
	schedCh := make(chan time.Duration, N)
	feed := make(chan int, N)
	for i := 0; i < N; i++ { feed <- i }
	close(feed)
	errCh := make(chan error, CONC)
	t0 := time.Now()
	for w := 0; w < CONC; w++ {
		go func() {
			for i := range feed {
				fan := fans[i%FANS]
				st := time.Now()
				_, err := scheduler.ScheduleReply(ctx, fan, service.InboundMessage{
					Text:              fmt.Sprintf("msg %d", i),
					ProviderMessageID: uuid.New().String(),
				}, time.Now())
				if err != nil {
					errCh <- err
					return
				}
				schedCh <- time.Since(st)
			}
			errCh <- nil
		}()
	}
	for w := 0; w < CONC; w++ {
		if err := <-errCh; err != nil { panic(err) }
	}
	schedDur := time.Since(t0)
	close(schedCh)
	schedRecs := make([]time.Duration, 0, N)
	for d := range schedCh { schedRecs = append(schedRecs, d) }

	var queued int64
	_ = db.Model(&model.Job{}).Where("status = ?", model.JobStatusQueued).Count(&queued).Error

	// 把 run_at 全部拉到当下，模拟到期后的认领风暴
	_ = db.Model(&model.Job{}).Where("status = ?", model.JobStatusQueued).
		Update("run_at", time.Now().Add(-time.Second)).Error

	claimRecs := make([]time.Duration, 0, queued)
	t1 := time.Now()
	for {
		st := time.Now()
		job, err := jobRepo.NextDue(ctx, time.Now())
		if err != nil { panic(err) }
		if job == nil { break }
		ok, err := jobRepo.Claim(ctx, job.ID)
		if err != nil { panic(err) }
		if !ok { continue }
		if err := jobRepo.Complete(ctx, job.ID, ""); err != nil { panic(err) }
		claimRecs = append(claimRecs, time.Since(st))
	}
	claimDur := time.Since(t1)

	pct := func(vs []time.Duration, p float64) time.Duration {
		if len(vs) == 0 { return 0 }
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(math.Ceil(p*float64(len(xs)))) - 1
		if k < 0 { k = 0 }
		if k >= len(xs) { k = len(xs) - 1 }
		return xs[k]
	}

	fmt.Printf("N=%d CONC=%d FANS=%d\n", N, CONC, FANS)
	fmt.Printf("Schedule: total=%v per-op=%v p50=%v p95=%v p99=%v\n",
		schedDur, schedDur/time.Duration(N), pct(schedRecs, 0.50), pct(schedRecs, 0.95), pct(schedRecs, 0.99))
	fmt.Printf("Queued after debounce: %d (fold ratio %.1fx)\n", queued, float64(N)/float64(queued))
	fmt.Printf("Claim+complete: total=%v ops=%d p50=%v p95=%v p99=%v\n",
		claimDur, len(claimRecs), pct(claimRecs, 0.50), pct(claimRecs, 0.95), pct(claimRecs, 0.99))
}
