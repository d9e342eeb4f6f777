package middleware

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerUserLimiter_BurstThenThrottle(t *testing.T) {
	req := require.New(t)
	l := NewPerUserLimiter(1, 2)

	req.True(l.Allow("u1"))
	req.True(l.Allow("u1"))
	req.False(l.Allow("u1"))

	// Limits are per user.
	req.True(l.Allow("u2"))
}
