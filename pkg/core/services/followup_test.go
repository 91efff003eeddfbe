package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFollowUp(t *testing.T) {
	visited := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) // Monday

	t.Run("every four weeks", func(t *testing.T) {
		next, err := NextFollowUp("FREQ=WEEKLY;INTERVAL=4", visited)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, visited.AddDate(0, 0, 28), next.UTC())
	})

	t.Run("next friday", func(t *testing.T) {
		next, err := NextFollowUp("FREQ=WEEKLY;BYDAY=FR", visited)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, time.Friday, next.Weekday())
		assert.Equal(t, 14, next.Day())
	})

	t.Run("no rule", func(t *testing.T) {
		next, err := NextFollowUp("  ", visited)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("exhausted rule", func(t *testing.T) {
		next, err := NextFollowUp("FREQ=DAILY;COUNT=1", visited)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("invalid rule", func(t *testing.T) {
		_, err := NextFollowUp("NOT_A_RULE", visited)
		assert.Error(t, err)
	})
}
