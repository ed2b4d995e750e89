package integrationtests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	market "market-settlement/internal/marketService"
	model "market-settlement/internal/models"
	"market-settlement/internal/repository"
	"market-settlement/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// testEnv wires the full HTTP stack over an in-memory repository and a
// clock the test can move forward.
type testEnv struct {
	router *gin.Engine
	repo   *repository.MemoryRepo
	svc    *market.MarketService

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// SetupTestEnv initializes the router with in-memory repository for integration testing.
func SetupTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		repo: repository.NewMemoryRepo(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = market.NewMarketService(env.repo, market.Options{
		AutoBidIncrement: decimal.NewFromInt(1),
		MinDuration:      time.Minute,
		MaxDuration:      7 * 24 * time.Hour,
		Clock:            env.Now,
	})
	env.router = server.SetupRouter(env.svc, nil)
	return env
}

// SeedFunds credits each user with balance
func (e *testEnv) SeedFunds(balance int64, users ...string) {
	for _, u := range users {
		e.repo.AddAccount(model.Account{UserID: u, Balance: decimal.NewFromInt(balance)})
	}
}

// ExecuteRequestAndParse executes an HTTP request as userID and parses the
// response. Created responses are unwrapped to their data object.
func ExecuteRequestAndParse(t *testing.T, env *testEnv, method, url, userID string, body any, headers ...string) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	var reqBody []byte
	var err error

	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	case string:
		reqBody = []byte(v)
	default:
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	env.router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		err := json.Unmarshal(w.Body.Bytes(), &resp)
		if err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}

		if w.Code == 201 {
			resp = resp["data"].(map[string]any)
		}
	}

	return resp, w
}

// data returns the data object of a non-created success response
func data(resp map[string]any) map[string]any {
	d, _ := resp["data"].(map[string]any)
	return d
}
