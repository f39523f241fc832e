// Package cryptocircuit implements a per-scope circuit breaker for field
// crypto operations. A scope is a (tenant, provider, key id) triple; only key
// related failures move a scope towards open, so a broken key is isolated
// without tripping on transient crypto errors.
package cryptocircuit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type ErrorClass string

const (
	ClassKeyError    ErrorClass = "key_error"
	ClassKidMismatch ErrorClass = "kid_mismatch"
	ClassAADMismatch ErrorClass = "aad_mismatch"
	ClassCryptoError ErrorClass = "crypto_error"
)

// Counts reports whether failures of this class move the breaker.
func (c ErrorClass) Counts() bool {
	switch c {
	case ClassKeyError, ClassKidMismatch, ClassAADMismatch:
		return true
	default:
		return false
	}
}

type Granularity string

const (
	GranularityKey            Granularity = "tenant+provider+kid"
	GranularityTenantProvider Granularity = "tenant+provider"
)

type Scope struct {
	TenantID   string
	ProviderID string
	Kid        string
}

// Key normalizes the scope under the given granularity.
func (s Scope) Key(g Granularity) string {
	key := "t:" + scopePart(s.TenantID) + "|p:" + scopePart(s.ProviderID)
	if g == GranularityTenantProvider {
		return key
	}
	return key + "|k:" + scopePart(s.Kid)
}

func scopePart(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "*"
	}
	return v
}

type Decision struct {
	Allowed bool
	State   State
}

type StateChange struct {
	Scope    Scope
	ScopeKey string
	From     State
	To       State
	Class    ErrorClass
	Reason   string
	At       time.Time
}

type Classifier func(err error) ErrorClass

type Options struct {
	Enabled          bool
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Granularity      Granularity
	Classifier       Classifier
	// OnStateChange observes every transition.
	OnStateChange func(StateChange)
	// Runbook is invoked when a scope opens.
	Runbook func(StateChange)
	Now     func() time.Time
	Logger  *slog.Logger
}

type scopeState struct {
	scope     Scope
	state     State
	failures  []time.Time
	openUntil time.Time
	trialOut  bool
	trialAt   time.Time
}

type Controller struct {
	enabled       bool
	threshold     int
	window        time.Duration
	cooldown      time.Duration
	granularity   Granularity
	classify      Classifier
	onStateChange func(StateChange)
	runbook       func(StateChange)
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeState
}

func New(opts Options) *Controller {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	window := opts.Window
	if window <= 0 {
		window = time.Minute
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	granularity := opts.Granularity
	if granularity != GranularityTenantProvider {
		granularity = GranularityKey
	}
	classify := opts.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		enabled:       opts.Enabled,
		threshold:     threshold,
		window:        window,
		cooldown:      cooldown,
		granularity:   granularity,
		classify:      classify,
		onStateChange: opts.OnStateChange,
		runbook:       opts.Runbook,
		now:           now,
		logger:        logger.With(slog.String("component", "cryptocircuit")),
		scopes:        map[string]*scopeState{},
	}
}

// BeforeOperation decides whether a crypto operation in scope may proceed.
// A nil controller always allows.
func (c *Controller) BeforeOperation(scope Scope) Decision {
	if c == nil || !c.enabled {
		return Decision{Allowed: true, State: StateClosed}
	}
	var change *StateChange
	decision := func() Decision {
		c.mu.Lock()
		defer c.mu.Unlock()
		st, ok := c.scopes[scope.Key(c.granularity)]
		if !ok {
			return Decision{Allowed: true, State: StateClosed}
		}
		now := c.now()
		switch st.state {
		case StateOpen:
			if now.Before(st.openUntil) {
				return Decision{Allowed: false, State: StateOpen}
			}
			change = c.transitionLocked(st, StateHalfOpen, "", "cooldown elapsed", now)
			st.trialOut = true
			st.trialAt = now
			return Decision{Allowed: true, State: StateHalfOpen}
		case StateHalfOpen:
			if st.trialOut && now.Sub(st.trialAt) < c.cooldown {
				return Decision{Allowed: false, State: StateHalfOpen}
			}
			st.trialOut = true
			st.trialAt = now
			return Decision{Allowed: true, State: StateHalfOpen}
		default:
			return Decision{Allowed: true, State: st.state}
		}
	}()
	c.notify(change)
	return decision
}

// OnFailure records a failed operation. class may be empty, in which case the
// classifier decides. It returns the scope state after the failure.
func (c *Controller) OnFailure(scope Scope, err error, class ErrorClass) State {
	if c == nil || !c.enabled {
		return StateClosed
	}
	if class == "" {
		class = c.classify(err)
	}
	var change *StateChange
	state := func() State {
		c.mu.Lock()
		defer c.mu.Unlock()
		key := scope.Key(c.granularity)
		st, ok := c.scopes[key]
		if !class.Counts() {
			if ok {
				if st.state == StateHalfOpen {
					st.trialOut = false
				}
				return st.state
			}
			return StateClosed
		}
		if !ok {
			st = &scopeState{scope: scope, state: StateClosed}
			c.scopes[key] = st
		}
		now := c.now()
		cutoff := now.Add(-c.window)
		kept := st.failures[:0]
		for _, at := range st.failures {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		st.failures = append(kept, now)

		switch {
		case st.state == StateHalfOpen:
			change = c.openLocked(st, class, "half-open trial failed", now)
		case st.state == StateClosed && len(st.failures) >= c.threshold:
			change = c.openLocked(st, class, "failure threshold reached", now)
		case st.state == StateOpen:
			st.openUntil = now.Add(c.cooldown)
		}
		return st.state
	}()
	c.notify(change)
	return state
}

func (c *Controller) OnSuccess(scope Scope) {
	if c == nil || !c.enabled {
		return
	}
	var change *StateChange
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		st, ok := c.scopes[scope.Key(c.granularity)]
		if !ok || st.state == StateClosed {
			return
		}
		change = c.transitionLocked(st, StateClosed, "", "recovered", c.now())
		st.failures = nil
		st.trialOut = false
		st.openUntil = time.Time{}
	}()
	c.notify(change)
}

func (c *Controller) State(scope Scope) State {
	if c == nil || !c.enabled {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.scopes[scope.Key(c.granularity)]; ok {
		return st.state
	}
	return StateClosed
}

func (c *Controller) Snapshot() map[string]State {
	out := map[string]State{}
	if c == nil {
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, st := range c.scopes {
		out[key] = st.state
	}
	return out
}

func (c *Controller) openLocked(st *scopeState, class ErrorClass, reason string, now time.Time) *StateChange {
	change := c.transitionLocked(st, StateOpen, class, reason, now)
	st.openUntil = now.Add(c.cooldown)
	st.trialOut = false
	return change
}

func (c *Controller) transitionLocked(st *scopeState, to State, class ErrorClass, reason string, now time.Time) *StateChange {
	from := st.state
	st.state = to
	return &StateChange{
		Scope:    st.scope,
		ScopeKey: st.scope.Key(c.granularity),
		From:     from,
		To:       to,
		Class:    class,
		Reason:   reason,
		At:       now,
	}
}

func (c *Controller) notify(change *StateChange) {
	if change == nil {
		return
	}
	level := slog.LevelInfo
	if change.To == StateOpen {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "crypto circuit state change",
		slog.String("scope", change.ScopeKey),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
		slog.String("class", string(change.Class)),
		slog.String("reason", change.Reason),
	)
	if c.onStateChange != nil {
		c.onStateChange(*change)
	}
	if change.To == StateOpen && c.runbook != nil {
		c.runbook(*change)
	}
}

// DefaultClassifier honours errors that carry their own class and otherwise
// falls back to matching tokens in the error message.
func DefaultClassifier(err error) ErrorClass {
	if err == nil {
		return ClassCryptoError
	}
	var classed interface{ ErrorClass() ErrorClass }
	if errors.As(err, &classed) {
		if class := classed.ErrorClass(); class != "" {
			return class
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "aad"), strings.Contains(msg, "auth tag"):
		return ClassAADMismatch
	case strings.Contains(msg, "kid"):
		return ClassKidMismatch
	case strings.Contains(msg, "key"),
		strings.Contains(msg, "kms"),
		strings.Contains(msg, "vault"),
		strings.Contains(msg, "ciphertext envelope"):
		return ClassKeyError
	default:
		return ClassCryptoError
	}
}
