package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatInterval(t *testing.T) {
	// ttl/3 within the clamp.
	assert.Equal(t, 20*time.Second, heartbeatInterval(60*time.Second))
	assert.Equal(t, 10*time.Second, heartbeatInterval(30*time.Second))

	// Short leases clamp to the minimum.
	assert.Equal(t, 2*time.Second, heartbeatInterval(5*time.Second))
	assert.Equal(t, 2*time.Second, heartbeatInterval(time.Second))

	// Long leases clamp to the maximum.
	assert.Equal(t, 20*time.Second, heartbeatInterval(5*time.Minute))
}
