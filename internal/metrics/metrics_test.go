package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCopiesTags(t *testing.T) {
	rec := NewRecorder()
	tags := map[string]string{"operation": "encrypt"}
	rec.Emit(context.Background(), Event{Name: CryptoFailCount, Value: 1, Tags: tags})
	tags["operation"] = "mutated"

	events := rec.Named(CryptoFailCount)
	require.Len(t, events, 1)
	assert.Equal(t, "encrypt", events[0].Tags["operation"])
	assert.Equal(t, 1.0, rec.Sum(CryptoFailCount))
}

func TestEventTagKeyIsSorted(t *testing.T) {
	event := Event{Tags: map[string]string{"operation": "encrypt", "failMode": "open", "fallback": "masked"}}
	assert.Equal(t, "failMode=open,fallback=masked,operation=encrypt", event.TagKey())
	assert.Equal(t, "", Event{}.TagKey())
}

func TestFanoutSkipsNilSinks(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	Fanout{a, nil, b}.Emit(context.Background(), Event{Name: KeyKidUsage, Value: 1})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestPrometheusSinkCountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	ctx := context.Background()

	sink.Emit(ctx, Event{Name: CryptoFailCount, Value: 1, Tags: map[string]string{
		"operation": "encrypt", "failMode": "open", "fallback": "masked",
	}})
	sink.Emit(ctx, Event{Name: CryptoFailCount, Value: 1, Tags: map[string]string{
		"operation": "encrypt", "failMode": "open", "fallback": "masked",
	}})
	sink.Emit(ctx, Event{Name: "not_a_known_metric", Value: 1})
	sink.Emit(ctx, Event{Name: CryptoEncryptMs, Value: 3, Tags: map[string]string{"kid": "k1"}})

	count, err := testutil.GatherAndCount(reg, "deliverytrack_crypto_fail_count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	mfs, gatherErr := reg.Gather()
	require.NoError(t, gatherErr)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() != "deliverytrack_crypto_fail_count" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found)
}
