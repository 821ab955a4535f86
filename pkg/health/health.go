package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds every single check.
const probeTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DegradedError marks a check that is impaired but not failing.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

func Degraded(format string, args ...interface{}) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

func resultOf(err error, at time.Time) CheckResult {
	var degraded *DegradedError
	switch {
	case err == nil:
		return CheckResult{Status: StatusHealthy, Timestamp: at}
	case errors.As(err, &degraded):
		return CheckResult{Status: StatusDegraded, Message: degraded.Reason, Timestamp: at}
	default:
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Timestamp: at}
	}
}

// worse orders statuses so that unhealthy beats degraded beats healthy.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

// Check runs every checker concurrently, each under probeTimeout.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(r.checkers))
		overall = StatusHealthy
	)

	var g errgroup.Group
	for _, checker := range r.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			result := resultOf(checker.Check(probeCtx), time.Now())

			mu.Lock()
			results[checker.Name()] = result
			overall = worse(overall, result.Status)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return Health{Status: overall, Timestamp: time.Now(), Checks: results}
}

// Handler serves the aggregate health. Only unhealthy answers 503, so a
// degraded instance stays in rotation.
func (r *CheckerRegistry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := r.Check(c.Request.Context())
		code := http.StatusOK
		if h.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, h)
	}
}

// pingChecker reports unhealthy when ping fails.
type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string { return c.name }

func (c pingChecker) Check(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", c.name, err)
	}
	return nil
}

func NewPostgreSQLChecker(db *sql.DB) Checker {
	return pingChecker{name: "postgresql", ping: db.PingContext}
}

func NewRedisChecker(client *redis.Client) Checker {
	return pingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func NewMongoDBChecker(client *mongo.Client) Checker {
	return pingChecker{name: "mongodb", ping: func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}}
}

type breaker interface {
	Name() string
	IsOpen() bool
}

// CircuitBreakerChecker reports degraded while the breaker is open.
type CircuitBreakerChecker struct {
	cb breaker
}

func NewCircuitBreakerChecker(cb breaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{cb: cb}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.cb.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) error {
	if c.cb.IsOpen() {
		return Degraded("circuit breaker %s is open", c.cb.Name())
	}
	return nil
}

type poisonReporter interface {
	PoisonedSources() []string
}

// SourcesChecker reports degraded while any source awaits acknowledgement.
type SourcesChecker struct {
	reporter poisonReporter
}

func NewSourcesChecker(reporter poisonReporter) *SourcesChecker {
	return &SourcesChecker{reporter: reporter}
}

func (c *SourcesChecker) Name() string {
	return "sources"
}

func (c *SourcesChecker) Check(ctx context.Context) error {
	if poisoned := c.reporter.PoisonedSources(); len(poisoned) > 0 {
		return Degraded("poisoned sources: %s", strings.Join(poisoned, ", "))
	}
	return nil
}
