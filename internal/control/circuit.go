package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Transition describes a state change caused by a breaker call.
type Transition struct {
	From, To CircuitState
}

// Changed reports whether the call moved the breaker.
func (t Transition) Changed() bool { return t.From != t.To }

// CircuitBreaker is a per-error-class breaker guarding the update poller.
// It opens after Threshold consecutive failures of one class and lets a
// single probe through once Cooldown has elapsed.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether a poll may run at now. An open breaker whose
// cooldown elapsed moves to half-open.
func (c *CircuitBreaker) Allow(now time.Time) (bool, Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if c.state != CircuitOpen {
		return true, Transition{from, c.state}
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true, Transition{from, c.state}
	}
	return false, Transition{from, c.state}
}

// RecordSuccess closes the breaker and forgets past failures.
func (c *CircuitBreaker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	c.state = CircuitClosed
	c.openedClass = ""
	clear(c.failures)
	return Transition{from, c.state}
}

// RecordFailure counts a failure of errClass. A failed half-open probe
// reopens the breaker immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = ClassUnknown
	}
	from := c.state
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		return Transition{from, c.state}
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
	}
	return Transition{from, c.state}
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
