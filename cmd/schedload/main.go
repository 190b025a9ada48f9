package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/janmaj/srds-przychodnia/internal/generator"
	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/pkg/schedclient"
)

// schedload submits a burst of requests to a running clinicsched, waits for
// them to leave their queues, then audits the published schedules.
func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "clinicsched base URL")
		categories = flag.String("categories", "cardiology,orthopedics,general", "comma separated categories")
		requests   = flag.Int("requests", 200, "number of requests to submit")
		clients    = flag.Int("clients", 20, "number of concurrent clients")
		perSecond  = flag.Float64("rate", 50, "submissions per second across all clients")
		wait       = flag.Duration("wait", 2*time.Minute, "how long to wait for bookings")
		days       = flag.Int("days", 30, "days ahead to audit")
	)
	flag.Parse()

	cats := strings.Split(*categories, ",")
	c := schedclient.New(*baseURL, &http.Client{Timeout: 10 * time.Second})
	limiter := rate.NewLimiter(rate.Limit(*perSecond), 1)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	var (
		submitted int64
		booked    int64
		timedOut  int64
		errCount  int64

		idsMu sync.Mutex
		ids   = map[string]bool{}
	)

	jobs := make(chan int)
	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for n := range jobs {
				if err := limiter.Wait(ctx); err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				req, err := c.SubmitWithRetry(ctx, schedclient.Submission{
					Category:  cats[rng.Intn(len(cats))],
					Urgency:   generator.Urgency(rng),
					FirstName: "Load",
					LastName:  fmt.Sprintf("Client-%d", n),
				}, schedclient.RetryOptions{JitterFrac: 0.2})
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&submitted, 1)
				idsMu.Lock()
				ids[req.ID] = true
				idsMu.Unlock()

				if err := c.WaitBooked(ctx, req.ID, schedclient.WaitOptions{}); err != nil {
					atomic.AddInt64(&timedOut, 1)
					continue
				}
				atomic.AddInt64(&booked, 1)
			}
		}(time.Now().UnixNano() + int64(i))
	}

	for n := 0; n < *requests; n++ {
		jobs <- n
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	auditCtx, auditCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer auditCancel()
	rep, err := audit(auditCtx, c, cats, *days, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Clinic Scheduler Load Test ===")
	fmt.Printf("duration: %s, clients: %d, categories: %v\n", elapsed, *clients, cats)
	fmt.Printf("submitted:       %d\n", submitted)
	fmt.Printf("booked:          %d\n", booked)
	fmt.Printf("wait_timeouts:   %d\n", timedOut)
	fmt.Printf("errors:          %d\n", errCount)
	fmt.Printf("slots_audited:   %d\n", rep.slots)
	fmt.Printf("found_in_sched:  %d\n", rep.found)
	fmt.Printf("duplicates:      %d\n", rep.duplicates)
	fmt.Printf("out_of_hours:    %d\n", rep.outOfHours)

	if rep.duplicates > 0 || rep.outOfHours > 0 {
		os.Exit(2)
	}
}

type report struct {
	slots      int
	found      int
	duplicates int
	outOfHours int
}

// audit walks every resource's schedule and checks that no request holds
// two slots and that every slot lies inside its resource's working hours.
func audit(ctx context.Context, c *schedclient.Client, cats []string, days int, ids map[string]bool) (report, error) {
	var rep report
	seen := map[string]int{}
	first := model.NextDay(time.Now())

	for _, cat := range cats {
		resources, err := c.Resources(ctx, cat)
		if err != nil {
			return rep, err
		}
		for _, res := range resources {
			open, err := model.ParseClock(res.WorkingStart)
			if err != nil {
				return rep, err
			}
			end, err := model.ParseClock(res.WorkingEnd)
			if err != nil {
				return rep, err
			}
			for d := 0; d < days; d++ {
				sched, err := c.Schedule(ctx, res.ID, first.AddDate(0, 0, d))
				if err != nil {
					return rep, err
				}
				for _, b := range sched.Bookings {
					rep.slots++
					seen[b.RequestID]++
					slot, err := model.ParseClock(b.Slot)
					if err != nil || slot < open || slot.Add(model.SlotWidth) > end {
						rep.outOfHours++
					}
				}
			}
		}
	}

	for id, n := range seen {
		if n > 1 {
			rep.duplicates += n - 1
		}
		if ids[id] {
			rep.found++
		}
	}
	return rep, nil
}
