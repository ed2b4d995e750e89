package perftests

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	market "market-settlement/internal/marketService"
	model "market-settlement/internal/models"
	repository "market-settlement/internal/repository"

	"github.com/shopspring/decimal"
)

// LoadScenario defines configurable benchmark parameters
type LoadScenario struct {
	Name            string
	NumUsers        int
	NumListings     int
	ReadRatio       int
	AutoBidRatio    int
	MaxBidIncrement int
	Burst           bool // if true, no delay between ops
}

// OperationMetrics collects latencies safely
type OperationMetrics struct {
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(d time.Duration) {
	om.mu.Lock()
	om.latencies = append(om.latencies, d)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (min, max, avg, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.latencies...)
	om.mu.Unlock()
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	min = latencies[0]
	max = latencies[len(latencies)-1]

	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	avg = total / time.Duration(len(latencies))
	p95 = latencies[int(0.95*float64(len(latencies)))]
	p99 = latencies[int(0.99*float64(len(latencies)))]
	return
}

// setupMarket creates a repository and market service with funded users and
// open listings of one unit each
func setupMarket(b *testing.B, numUsers, numListings int) (*repository.MemoryRepo, *market.MarketService, []string) {
	b.Helper()
	repo := repository.NewMemoryRepo()
	svc := market.NewMarketService(repo, market.Options{
		AutoBidIncrement: decimal.NewFromInt(1),
		MaxRetries:       3,
		RetryBackoff:     time.Millisecond,
	})

	for i := 0; i < numUsers; i++ {
		repo.AddAccount(model.Account{UserID: fmt.Sprintf("user_%d", i), Balance: decimal.NewFromInt(1_000_000_000)})
	}
	repo.AddHolding(model.Holding{UserID: "seller", ItemID: "ore", Quantity: int64(numListings)})

	ids := make([]string, 0, numListings)
	for i := 0; i < numListings; i++ {
		l, err := svc.CreateItemListing(context.Background(), market.CreateItemListingInput{
			SellerID:   "seller",
			ItemID:     "ore",
			Quantity:   1,
			StartPrice: decimal.NewFromInt(100),
			Duration:   24 * time.Hour,
		})
		if err != nil {
			b.Fatalf("failed to create listing: %v", err)
		}
		ids = append(ids, l.ID)
	}
	return repo, svc, ids
}

// Benchmark_Load_Market runs multiple scenarios
func Benchmark_Load_Market(b *testing.B) {
	scenarios := []LoadScenario{
		{"Low-Contention-WriteHeavy", 200, 200, 0, 0, 50, false},
		{"High-Contention-WriteHeavy", 500, 10, 0, 0, 20, false},
		{"Mixed-Workload", 300, 50, 6, 1, 30, false},
		{"ReadHeavy", 200, 50, 9, 0, 20, false},
		{"AutoBid-Contention", 50, 5, 2, 4, 10, false},
		{"Edge-Case-SingleListing", 100, 1, 5, 1, 10, false},
		{"Peak-Burst", 500, 50, 0, 0, 20, true},
	}

	for _, s := range scenarios {
		b.Run(s.Name, func(b *testing.B) {
			runParallelScenario(b, s)
		})
	}
}

func runParallelScenario(b *testing.B, s LoadScenario) {
	b.ReportAllocs()

	repo, svc, ids := setupMarket(b, s.NumUsers, s.NumListings)
	ctx := context.Background()

	var totalOps, successfulBids, rejectedBids, autoBids, totalReads int64
	listingSuccess := make([]int64, s.NumListings)
	metrics := &OperationMetrics{}

	start := time.Now()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(time.Now().Nanosecond())))

		for pb.Next() {
			idx := rnd.Intn(s.NumListings)
			listingID := ids[idx]
			userID := fmt.Sprintf("user_%d", rnd.Intn(s.NumUsers))
			opType := rnd.Intn(10)

			opStart := time.Now()
			switch {
			case opType < s.ReadRatio:
				if _, err := svc.GetListing(ctx, listingID); err != nil {
					b.Logf("ignored read error: %v", err)
				}
				atomic.AddInt64(&totalReads, 1)
			case opType < s.ReadRatio+s.AutoBidRatio:
				l, err := svc.GetListing(ctx, listingID)
				if err != nil {
					break
				}
				ceiling := l.CurrentPrice.Add(decimal.NewFromInt(int64(1 + rnd.Intn(s.MaxBidIncrement*10))))
				if _, err := svc.SetAutoBid(ctx, listingID, userID, ceiling); err == nil {
					atomic.AddInt64(&autoBids, 1)
				}
			default:
				l, err := svc.GetListing(ctx, listingID)
				if err != nil {
					break
				}
				amount := l.CurrentPrice.Add(decimal.NewFromInt(int64(1 + rnd.Intn(s.MaxBidIncrement))))
				// losing a race to a higher bid is an expected rejection under contention
				if _, err := svc.PlaceBid(ctx, market.PlaceBidInput{ListingID: listingID, BidderID: userID, Amount: amount}); err != nil {
					atomic.AddInt64(&rejectedBids, 1)
				} else {
					atomic.AddInt64(&successfulBids, 1)
					atomic.AddInt64(&listingSuccess[idx], 1)
				}
			}

			metrics.Record(time.Since(opStart))
			atomic.AddInt64(&totalOps, 1)

			if !s.Burst {
				time.Sleep(time.Millisecond)
			}
		}
	})

	b.StopTimer()
	elapsed := time.Since(start)
	throughput := float64(totalOps) / elapsed.Seconds()
	min, max, avg, p95, p99 := metrics.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	b.Logf(
		"Scenario: %s | Listings: %d | Total Ops: %d | Success Bids: %d | Rejected Bids: %d | Auto-Bids: %d | Reads: %d | Elapsed: %s | Throughput: %.2f ops/sec | Latency(us) min: %.2f avg: %.2f max: %.2f p95: %.2f p99: %.2f | Memory Alloc: %.2f MB",
		s.Name, s.NumListings, totalOps, successfulBids, rejectedBids, autoBids, totalReads, elapsed,
		throughput,
		float64(min.Microseconds()), float64(avg.Microseconds()), float64(max.Microseconds()),
		float64(p95.Microseconds()), float64(p99.Microseconds()),
		float64(mem.Alloc)/1024/1024,
	)

	// reservations must still balance after the storm
	for _, a := range repo.Accounts() {
		if a.Reserved.IsNegative() || a.Reserved.GreaterThan(a.Balance) {
			b.Fatalf("account %s out of balance: balance %s reserved %s", a.UserID, a.Balance, a.Reserved)
		}
	}

	for i, v := range listingSuccess {
		if v > 0 {
			b.Logf("Listing %d successful bids: %d", i, v)
		}
	}
}
