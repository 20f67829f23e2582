package jobid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	d := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

	id, err := Format(d, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(202501150000), id)

	id, err = Format(d, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(202501150042), id)

	_, err = Format(d, MaxSeq)
	assert.Error(t, err)
	_, err = Format(d, -1)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	date, seq, err := Parse(202501150042)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), date)
	assert.Equal(t, 42, seq)

	// Feb 30 is not a real date.
	_, _, err = Parse(202502300000)
	assert.Error(t, err)
}

func TestValidateEpochBounds(t *testing.T) {
	assert.NoError(t, Validate(202501150000))
	assert.NoError(t, Validate(200001010000))

	// Year 1999 and year 3001 are both out of the valid epoch.
	assert.Error(t, Validate(199912310000))
	assert.Error(t, Validate(300101010000))
	assert.Error(t, Validate(0))
}

func TestNextStrictlyIncreasing(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("empty ledger", func(t *testing.T) {
		id, err := Next(now, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(202501150000), id)
	})

	t.Run("same day increments sequence", func(t *testing.T) {
		id, err := Next(now, 202501150007)
		require.NoError(t, err)
		assert.Equal(t, int64(202501150008), id)
	})

	t.Run("new day restarts sequence", func(t *testing.T) {
		id, err := Next(now, 202501140131)
		require.NoError(t, err)
		assert.Equal(t, int64(202501150000), id)
	})

	t.Run("never decreases even if last id is in the future", func(t *testing.T) {
		id, err := Next(now, 202501160003)
		require.NoError(t, err)
		assert.Greater(t, id, int64(202501160003))
	})

	t.Run("daily space exhaustion", func(t *testing.T) {
		_, err := Next(now, 202501159999)
		assert.Error(t, err)
	})

	t.Run("monotone across a run of allocations", func(t *testing.T) {
		last := int64(0)
		for i := 0; i < 50; i++ {
			id, err := Next(now, last)
			require.NoError(t, err)
			require.Greater(t, id, last)
			last = id
		}
	})
}
