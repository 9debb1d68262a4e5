package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	results map[string]checkResult
	started time.Time
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type checkResult struct {
	err error
	at  time.Time
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		results: make(map[string]checkResult),
		started: time.Now(),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddRepositoryCheck lists streams as a round trip through the record store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.StreamRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) error {
		_, err := repo.List(ctx, domain.StreamFilter{ActiveOnly: true})
		return err
	}, interval, timeout)
}

// CheckAll runs every check now and records the results.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	for _, check := range checks {
		h.run(ctx, check)
	}
	return h.Status()
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	err := check.Check(checkCtx)

	h.mu.Lock()
	h.results[check.Name] = checkResult{err: err, at: time.Now()}
	h.mu.Unlock()
}

// Status reports the latest recorded results without running any check. Checks that have
// never run count as healthy.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	for _, check := range h.checks {
		res, ok := h.results[check.Name]
		switch {
		case !ok:
			status.Checks[check.Name] = "pending"
		case res.err != nil:
			status.Status = "unhealthy"
			status.Checks[check.Name] = res.err.Error()
		default:
			status.Checks[check.Name] = "healthy"
		}
	}
	return status
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	h.run(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}

// LivenessHandler always answers 200 while the process serves requests.
func (h *HealthChecker) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// ReadinessHandler runs the checks and answers 503 when any fails.
func (h *HealthChecker) ReadinessHandler(c *gin.Context) {
	status := h.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
