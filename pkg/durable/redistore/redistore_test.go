package redistore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsQuotaError(t *testing.T) {
	assert.True(t, isQuotaError(errors.New("OOM command not allowed when used memory > 'maxmemory'.")))
	assert.False(t, isQuotaError(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.False(t, isQuotaError(errors.New("connection refused")))
	assert.False(t, isQuotaError(nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.OpTimeout)
	assert.Equal(t, 0, cfg.DB)
}
