package outgoing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testReceiver = Receiver{Number: "5790000000001", Role: RoleEnergySupplier}
)

func TestBundle_Add(t *testing.T) {
	m := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
	b := newBundle("q1", m.GroupingKey(), 2, testNow)

	require.NoError(t, b.add(m))
	assert.Equal(t, b.ID, m.BundleID)
	assert.Equal(t, 0, m.Position)
	assert.Equal(t, 1, b.MessageCount)

	t.Run("already assigned", func(t *testing.T) {
		assert.ErrorIs(t, b.add(m), ErrMessageAssigned)
	})

	t.Run("grouping key mismatch", func(t *testing.T) {
		other := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonWholesaleFixing, testNow)
		assert.ErrorIs(t, b.add(other), ErrGroupingKeyMismatch)
		assert.Empty(t, other.BundleID)
	})

	t.Run("full", func(t *testing.T) {
		second := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		require.NoError(t, b.add(second))
		assert.Equal(t, 1, second.Position)
		assert.True(t, b.IsFull())

		third := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		assert.ErrorIs(t, b.add(third), ErrBundleFull)
	})

	t.Run("closed", func(t *testing.T) {
		c := newBundle("q1", m.GroupingKey(), 5, testNow)
		require.NoError(t, c.close(testNow))
		assert.ErrorIs(t, c.close(testNow), ErrBundleClosed)

		msg := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		assert.ErrorIs(t, c.add(msg), ErrBundleClosed)
	})
}

func TestBundle_Clone(t *testing.T) {
	b := newBundle("q1", GroupingKey{DocumentType: DocumentNotifyValidatedMeasureData}, 1, testNow)
	require.NoError(t, b.close(testNow))

	c := b.Clone()
	later := testNow.Add(time.Hour)
	c.ClosedAt = &later
	c.MessageCount = 7

	assert.Equal(t, testNow, *b.ClosedAt)
	assert.Zero(t, b.MessageCount)
	assert.True(t, b.EbixCompatible())
}
