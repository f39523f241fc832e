// Package metrics carries the metric events emitted by the crypto engine, the
// circuit controller and the poll loop. Producers only see Sink; the Prometheus
// and in-memory recorders are interchangeable behind it.
package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Event names emitted across the module.
const (
	CryptoFailCount          = "crypto_fail_count"
	CryptoEncryptMs          = "crypto_encrypt_ms"
	CryptoDecryptMs          = "crypto_decrypt_ms"
	KeyKidUsage              = "key_kid_usage"
	CryptoCircuitStateChange = "crypto_circuit_state_change"
	TrackingPollRecords      = "tracking_poll_records"
	TrackingPollUpdates      = "tracking_poll_updates"
	TrackingPollErrors       = "tracking_poll_errors"
	TrackingPollMs           = "tracking_poll_ms"
)

type Event struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// TagKey renders tags in a stable order, e.g. "failMode=open,operation=encrypt".
func (e Event) TagKey() string {
	if len(e.Tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Tags))
	for k := range e.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Tags[k])
	}
	return strings.Join(parts, ",")
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

var Nop Sink = nopSink{}

func OrNop(sink Sink) Sink {
	if sink == nil {
		return Nop
	}
	return sink
}

// Recorder keeps every event in memory. Used by tests and by the CLI poll
// summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event Event) {
	if r == nil {
		return
	}
	tags := make(map[string]string, len(event.Tags))
	for k, v := range event.Tags {
		tags[k] = v
	}
	event.Tags = tags
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

func (r *Recorder) Sum(name string) float64 {
	var total float64
	for _, event := range r.Named(name) {
		total += event.Value
	}
	return total
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}
