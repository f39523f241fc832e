package cryptocircuit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testScope = Scope{TenantID: "acme", ProviderID: "carrier-a", Kid: "k1"}

func TestKidMismatchOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 2, Cooldown: 5 * time.Second, Now: clock.Now})

	assert.Equal(t, Decision{Allowed: true, State: StateClosed}, c.BeforeOperation(testScope))

	assert.Equal(t, StateClosed, c.OnFailure(testScope, errors.New("boom"), ClassKidMismatch))
	assert.Equal(t, StateOpen, c.OnFailure(testScope, errors.New("boom"), ClassKidMismatch))

	assert.Equal(t, Decision{Allowed: false, State: StateOpen}, c.BeforeOperation(testScope))
}

func TestAADMismatchRecoversAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	var changes []StateChange
	c := New(Options{
		Enabled:          true,
		FailureThreshold: 1,
		Cooldown:         5 * time.Second,
		Now:              clock.Now,
		OnStateChange:    func(sc StateChange) { changes = append(changes, sc) },
	})

	require.Equal(t, StateOpen, c.OnFailure(testScope, errors.New("tag"), ClassAADMismatch))
	clock.Advance(5 * time.Second)

	decision := c.BeforeOperation(testScope)
	assert.True(t, decision.Allowed)
	assert.Equal(t, StateHalfOpen, decision.State)

	c.OnSuccess(testScope)
	assert.Equal(t, StateClosed, c.State(testScope))
	assert.Equal(t, Decision{Allowed: true, State: StateClosed}, c.BeforeOperation(testScope))

	require.Len(t, changes, 3)
	assert.Equal(t, StateOpen, changes[0].To)
	assert.Equal(t, ClassAADMismatch, changes[0].Class)
	assert.Equal(t, StateHalfOpen, changes[1].To)
	assert.Equal(t, StateClosed, changes[2].To)
	assert.Equal(t, "recovered", changes[2].Reason)
}

func TestSingleAADMismatchBelowThresholdStaysClosed(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 2, Cooldown: 5 * time.Second, Now: clock.Now})

	assert.Equal(t, StateClosed, c.OnFailure(testScope, errors.New("tag"), ClassAADMismatch))
	clock.Advance(5 * time.Second)
	c.OnSuccess(testScope)
	assert.Equal(t, StateClosed, c.State(testScope))
}

func TestCryptoErrorNeverOpens(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 1, Now: clock.Now})

	for i := 0; i < 50; i++ {
		assert.Equal(t, StateClosed, c.OnFailure(testScope, errors.New("transient"), ClassCryptoError))
	}
	assert.Equal(t, Decision{Allowed: true, State: StateClosed}, c.BeforeOperation(testScope))
	assert.Empty(t, c.Snapshot())
}

func TestFailuresOutsideWindowArePruned(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 2, Window: 10 * time.Second, Now: clock.Now})

	c.OnFailure(testScope, nil, ClassKeyError)
	clock.Advance(11 * time.Second)
	assert.Equal(t, StateClosed, c.OnFailure(testScope, nil, ClassKeyError))
	clock.Advance(time.Second)
	assert.Equal(t, StateOpen, c.OnFailure(testScope, nil, ClassKeyError))
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 1, Cooldown: 5 * time.Second, Now: clock.Now})

	c.OnFailure(testScope, nil, ClassKeyError)
	clock.Advance(5 * time.Second)

	assert.True(t, c.BeforeOperation(testScope).Allowed)
	second := c.BeforeOperation(testScope)
	assert.False(t, second.Allowed)
	assert.Equal(t, StateHalfOpen, second.State)

	assert.Equal(t, StateOpen, c.OnFailure(testScope, nil, ClassKeyError))
	assert.False(t, c.BeforeOperation(testScope).Allowed)
}

func TestHalfOpenNonCountingFailureReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, FailureThreshold: 1, Cooldown: 5 * time.Second, Now: clock.Now})

	c.OnFailure(testScope, nil, ClassKeyError)
	clock.Advance(5 * time.Second)
	require.True(t, c.BeforeOperation(testScope).Allowed)

	assert.Equal(t, StateHalfOpen, c.OnFailure(testScope, errors.New("io timeout"), ClassCryptoError))
	assert.True(t, c.BeforeOperation(testScope).Allowed)
}

func TestDisabledAndNilControllerAllow(t *testing.T) {
	var nilController *Controller
	assert.True(t, nilController.BeforeOperation(testScope).Allowed)
	assert.Equal(t, StateClosed, nilController.OnFailure(testScope, nil, ClassKeyError))
	nilController.OnSuccess(testScope)

	c := New(Options{Enabled: false, FailureThreshold: 1})
	c.OnFailure(testScope, nil, ClassKeyError)
	assert.Equal(t, Decision{Allowed: true, State: StateClosed}, c.BeforeOperation(testScope))
}

func TestRunbookCalledOnOpen(t *testing.T) {
	var opened []StateChange
	c := New(Options{
		Enabled:          true,
		FailureThreshold: 1,
		Runbook:          func(sc StateChange) { opened = append(opened, sc) },
	})

	c.OnFailure(testScope, errors.New("vault sealed"), "")
	require.Len(t, opened, 1)
	assert.Equal(t, "t:acme|p:carrier-a|k:k1", opened[0].ScopeKey)
	assert.Equal(t, ClassKeyError, opened[0].Class)
	assert.Equal(t, StateClosed, opened[0].From)
}

func TestTenantProviderGranularitySharesState(t *testing.T) {
	c := New(Options{Enabled: true, FailureThreshold: 2, Granularity: GranularityTenantProvider})

	c.OnFailure(Scope{TenantID: "acme", ProviderID: "p", Kid: "k1"}, nil, ClassKeyError)
	c.OnFailure(Scope{TenantID: "acme", ProviderID: "p", Kid: "k2"}, nil, ClassKeyError)

	assert.False(t, c.BeforeOperation(Scope{TenantID: "acme", ProviderID: "p", Kid: "k3"}).Allowed)
	assert.True(t, c.BeforeOperation(Scope{TenantID: "other", ProviderID: "p"}).Allowed)
	assert.Equal(t, map[string]State{"t:acme|p:p": StateOpen}, c.Snapshot())
}

func TestScopeKey(t *testing.T) {
	assert.Equal(t, "t:*|p:sms|k:*", Scope{ProviderID: " sms "}.Key(GranularityKey))
	assert.Equal(t, "t:a|p:*", Scope{TenantID: "a", Kid: "k"}.Key(GranularityTenantProvider))
}

type classedError struct{ class ErrorClass }

func (e classedError) Error() string          { return "kms says no" }
func (e classedError) ErrorClass() ErrorClass { return e.class }

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("cipher: message authentication failed: AAD mismatch"), ClassAADMismatch},
		{errors.New("bad auth tag"), ClassAADMismatch},
		{errors.New("unknown kid k9"), ClassKidMismatch},
		{errors.New("key not loaded"), ClassKeyError},
		{errors.New("KMS unavailable"), ClassKeyError},
		{errors.New("vault sealed"), ClassKeyError},
		{errors.New("malformed ciphertext envelope"), ClassKeyError},
		{errors.New("connection reset"), ClassCryptoError},
		{nil, ClassCryptoError},
		{fmt.Errorf("wrapped: %w", classedError{class: ClassCryptoError}), ClassCryptoError},
		{classedError{class: ClassAADMismatch}, ClassAADMismatch},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DefaultClassifier(tc.err), "err=%v", tc.err)
	}
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	c := New(Options{Enabled: true, FailureThreshold: 20})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnFailure(testScope, nil, ClassKidMismatch)
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, c.State(testScope))
}
