package outgoing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlingPolicy_Capacity(t *testing.T) {
	p := NewBundlingPolicy(2000, DocumentNotifyValidatedMeasureData)

	assert.Equal(t, 2000, p.Capacity(DocumentNotifyAggregatedMeasureData))
	assert.Equal(t, 1, p.Capacity(DocumentNotifyValidatedMeasureData))
	assert.Equal(t, 1, NewBundlingPolicy(0).Capacity(DocumentNotifyAggregatedMeasureData))
}

func TestSelector_Matches(t *testing.T) {
	agg := &Bundle{Key: GroupingKey{Category: CategoryAggregations}, MaxMessages: 2000}
	single := &Bundle{Key: GroupingKey{Category: CategoryMeasureData}, MaxMessages: 1}

	tests := []struct {
		name   string
		sel    Selector
		bundle *Bundle
		want   bool
	}{
		{"no category matches all", Selector{Format: FormatXML}, agg, true},
		{"category filters", Selector{Category: CategoryMeasureData, Format: FormatJSON}, agg, false},
		{"category matches", Selector{Category: CategoryAggregations, Format: FormatJSON}, agg, true},
		{"ebix skips multi message bundles", Selector{Format: FormatEbix}, agg, false},
		{"ebix ignores category", Selector{Category: CategoryAggregations, Format: FormatEbix}, single, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sel.Matches(tt.bundle))
		})
	}
}

func TestActorMessageQueue_Enqueue(t *testing.T) {
	policy := NewBundlingPolicy(2)

	t.Run("same key shares a bundle", func(t *testing.T) {
		q := NewActorMessageQueue(testReceiver)
		m1 := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		m2 := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)

		b1, err := q.Enqueue(m1, policy, testNow)
		require.NoError(t, err)
		assert.True(t, b1.IsOpen())
		b2, err := q.Enqueue(m2, policy, testNow)
		require.NoError(t, err)

		assert.Equal(t, b1.ID, b2.ID)
		assert.Equal(t, 1, m2.Position)
		assert.False(t, b2.IsOpen(), "full bundle is sealed")
		assert.Empty(t, q.OpenBundles())
	})

	t.Run("next message after full bundle opens a new one", func(t *testing.T) {
		q := NewActorMessageQueue(testReceiver)
		var ids []string
		for i := 0; i < 3; i++ {
			m := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
			b, err := q.Enqueue(m, policy, testNow.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			ids = append(ids, b.ID)
		}
		assert.Equal(t, ids[0], ids[1])
		assert.NotEqual(t, ids[1], ids[2])

		ch := q.Changes()
		assert.Len(t, ch.Created, 2)
		assert.Len(t, ch.Messages, 3)
		assert.Empty(t, ch.Updated, "bundles created in this unit are not updates")
	})

	t.Run("different keys use different bundles", func(t *testing.T) {
		q := NewActorMessageQueue(testReceiver)
		a := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		b := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonWholesaleFixing, testNow)
		c := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		c.CalculationID = "calc-2"

		ba, err := q.Enqueue(a, policy, testNow)
		require.NoError(t, err)
		bb, err := q.Enqueue(b, policy, testNow)
		require.NoError(t, err)
		bc, err := q.Enqueue(c, policy, testNow)
		require.NoError(t, err)

		assert.NotEqual(t, ba.ID, bb.ID)
		assert.NotEqual(t, ba.ID, bc.ID)
		assert.Len(t, q.OpenBundles(), 3)
	})

	t.Run("receiver mismatch", func(t *testing.T) {
		q := NewActorMessageQueue(testReceiver)
		other := Receiver{Number: "5790000000002", Role: RoleEnergySupplier}
		_, err := q.Enqueue(NewTestMessage(other, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow), policy, testNow)
		assert.ErrorIs(t, err, ErrReceiverMismatch)
	})

	t.Run("restored full bundle is closed before reuse", func(t *testing.T) {
		m := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		old := newBundle("q1", m.GroupingKey(), 1, testNow)
		old.MessageCount = 1
		q := RestoreActorMessageQueue("q1", testReceiver, 3, []*Bundle{old})

		b, err := q.Enqueue(m, policy, testNow)
		require.NoError(t, err)
		assert.NotEqual(t, old.ID, b.ID)
		ch := q.Changes()
		require.Len(t, ch.Updated, 1)
		assert.False(t, ch.Updated[0].IsOpen())
	})
}

func TestActorMessageQueue_Seal(t *testing.T) {
	q := NewActorMessageQueue(testReceiver)
	m := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
	b, err := q.Enqueue(m, NewBundlingPolicy(10), testNow)
	require.NoError(t, err)
	q.MarkSaved(1)

	sealed, err := q.Seal(b.ID, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, sealed.IsOpen())
	assert.Equal(t, testNow.Add(time.Minute), *sealed.ClosedAt)
	assert.Len(t, q.Changes().Updated, 1)

	_, err = q.Seal(b.ID, testNow)
	assert.ErrorIs(t, err, ErrBundleNotInQueue)
}

func TestOutgoingMessage_Validate(t *testing.T) {
	valid := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
	require.NoError(t, valid.Validate())
	assert.Equal(t, CategoryAggregations, valid.GroupingKey().Category)

	bad := *valid
	bad.Receiver.Number = "123"
	assert.Error(t, bad.Validate())

	bad = *valid
	bad.DocumentType = "Unknown"
	assert.Error(t, bad.Validate())

	bad = *valid
	bad.Content = []byte("{")
	assert.Error(t, bad.Validate())
}

func TestParse(t *testing.T) {
	r, err := ParseActorRole("energysupplier")
	require.NoError(t, err)
	assert.Equal(t, RoleEnergySupplier, r)

	c, err := ParseCategory("MEASUREDATA")
	require.NoError(t, err)
	assert.Equal(t, CategoryMeasureData, c)

	f, err := ParseDocumentFormat("ebix")
	require.NoError(t, err)
	assert.Equal(t, FormatEbix, f)

	_, err = ParseDocumentFormat("pdf")
	assert.Error(t, err)
}
