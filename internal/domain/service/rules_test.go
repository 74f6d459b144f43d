package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleTable(t *testing.T) {
	t.Run("should reject a prefix without leading slash", func(t *testing.T) {
		_, err := NewRuleTable([]EndpointRule{{PathPrefix: "v1", MaxRequests: 1, Window: time.Minute}})
		assert.Error(t, err)
	})

	t.Run("should reject non-positive limits", func(t *testing.T) {
		_, err := NewRuleTable([]EndpointRule{{PathPrefix: "/v1", MaxRequests: 0, Window: time.Minute}})
		assert.Error(t, err)

		_, err = NewRuleTable([]EndpointRule{{PathPrefix: "/v1", MaxRequests: 5, Window: 0}})
		assert.Error(t, err)
	})

	t.Run("should reject duplicate prefixes", func(t *testing.T) {
		_, err := NewRuleTable([]EndpointRule{
			{PathPrefix: "/v1", MaxRequests: 5, Window: time.Minute},
			{PathPrefix: "/v1", MaxRequests: 10, Window: time.Minute},
		})
		assert.Error(t, err)
	})

	t.Run("should accept an empty table", func(t *testing.T) {
		table, err := NewRuleTable(nil)
		require.NoError(t, err)
		_, ok := table.Match("/anything")
		assert.False(t, ok)
	})
}

func TestRuleTableMatch(t *testing.T) {
	table, err := NewRuleTable([]EndpointRule{
		{PathPrefix: "/v1", MaxRequests: 100, Window: time.Minute},
		{PathPrefix: "/v1/documents", MaxRequests: 10, Window: time.Minute},
		{PathPrefix: "/v1/documents/submit-for-review", MaxRequests: 3, Window: time.Hour},
	})
	require.NoError(t, err)

	t.Run("should match the longest prefix", func(t *testing.T) {
		rule, ok := table.Match("/v1/documents/submit-for-review")
		require.True(t, ok)
		assert.Equal(t, int64(3), rule.MaxRequests)

		rule, ok = table.Match("/v1/documents/123")
		require.True(t, ok)
		assert.Equal(t, int64(10), rule.MaxRequests)

		rule, ok = table.Match("/v1/profiles")
		require.True(t, ok)
		assert.Equal(t, int64(100), rule.MaxRequests)
	})

	t.Run("should not match uncovered paths", func(t *testing.T) {
		_, ok := table.Match("/health/live")
		assert.False(t, ok)
	})
}
