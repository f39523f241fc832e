package tracking

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/keyring"
	"github.com/agentworkforce/deliverytrack/internal/retention"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

type fakeProvider struct {
	id    string
	query func(ctx context.Context, q StatusQuery) (*DeliveryStatus, error)
	calls atomic.Int32
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) GetDeliveryStatus(ctx context.Context, q StatusQuery) (*DeliveryStatus, error) {
	p.calls.Add(1)
	if p.query == nil {
		return nil, nil
	}
	return p.query(ctx, q)
}

func statusProvider(id string, status Status) *fakeProvider {
	return &fakeProvider{id: id, query: func(context.Context, StatusQuery) (*DeliveryStatus, error) {
		return &DeliveryStatus{Status: status, Raw: []byte(`{"state":"` + string(status) + `"}`)}, nil
	}}
}

// sendOnlyProvider cannot answer status queries.
type sendOnlyProvider struct{ id string }

func (p sendOnlyProvider) ID() string { return p.id }

func testKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	key := func(b byte) string { return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32)) }
	k, err := keyring.FromFile(keyring.File{
		Active:  "k1",
		Keys:    map[string]string{"k1": key(1), "k2": key(2)},
		HashKey: key(9),
	}, nil)
	require.NoError(t, err)
	return k
}

func testEngine(t *testing.T) *fieldcrypto.Engine {
	t.Helper()
	k := testKeyring(t)
	engine, err := fieldcrypto.NewEngine(fieldcrypto.Options{
		Policy: fieldcrypto.Policy{
			Enabled: true,
			Fields: map[string]fieldcrypto.Mode{
				fieldcrypto.FieldTo:       fieldcrypto.ModeEncryptHash,
				fieldcrypto.FieldFrom:     fieldcrypto.ModeEncryptHash,
				fieldcrypto.FieldMetadata: fieldcrypto.ModeEncrypt,
			},
			MetadataHashPaths: []string{"orderId"},
		},
		Provider: fieldcrypto.NewAESGCMProvider(k),
		Keys:     k,
	})
	require.NoError(t, err)
	return engine
}

func testRetention(t *testing.T) *retention.Resolver {
	t.Helper()
	r, err := retention.NewResolver(retention.Options{
		Preset:    retention.PresetStandard,
		Contracts: map[string]retention.Override{"c-legal": {Class: "legal-hold", Days: map[retention.Field]int{retention.FieldRecord: 3650}}},
	})
	require.NoError(t, err)
	return r
}

func sentRecord(id string, requestedAt time.Time) TrackingRecord {
	return TrackingRecord{
		MessageID:         id,
		ProviderID:        "carrier-a",
		ProviderMessageID: "pm-" + id,
		Type:              "sms",
		To:                "010-1234-5678",
		From:              "+15550001111",
		RequestedAt:       requestedAt,
		StatusUpdatedAt:   requestedAt,
		SentAt:            timePtr(requestedAt),
		NextCheckAt:       requestedAt.Add(30 * time.Second),
		Status:            StatusSent,
	}
}

func statusPtr(s Status) *Status { return &s }

func intPtr(v int) *int { return &v }
