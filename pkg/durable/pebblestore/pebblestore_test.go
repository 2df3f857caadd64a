package pebblestore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schedcache/schedcache/pkg/durable"
)

func TestStore_RoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Set("schedcache:teams_all", []byte(`{"v":1}`)))

	value, found, err := s.Get("schedcache:teams_all")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte(`{"v":1}`), value)

	_, found, err = s.Get("schedcache:absent")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	assert.NoError(t, err)
	assert.NoError(t, s.Set("schedcache:sprint_config", []byte("persisted")))
	assert.NoError(t, s.Close())

	reopened, err := Open(dir, nil)
	assert.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get("schedcache:sprint_config")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("persisted"), value)
}

func TestStore_QuotaExceeded(t *testing.T) {
	s, err := Open(t.TempDir(), &Config{MaxBytes: 24})
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Set("k1", []byte("0123456789")))
	assert.ErrorIs(t, s.Set("k2", []byte("0123456789too-large")), durable.ErrQuotaExceeded)

	// Removing the old record frees budget for the next write.
	assert.NoError(t, s.Remove("k1"))
	assert.NoError(t, s.Set("k2", []byte("0123456789")))
}

func TestStore_QuotaSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, &Config{MaxBytes: 24})
	assert.NoError(t, err)
	assert.NoError(t, s.Set("k1", []byte("0123456789")))
	assert.NoError(t, s.Close())

	// The usage scan at open must account for the existing record.
	reopened, err := Open(dir, &Config{MaxBytes: 24})
	assert.NoError(t, err)
	defer reopened.Close()

	assert.ErrorIs(t, reopened.Set("k2", []byte("0123456789too-large")), durable.ErrQuotaExceeded)
}

func TestStore_KeysByPrefix(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	assert.NoError(t, err)
	defer s.Close()

	s.Set("schedcache:teams_all", []byte("a"))
	s.Set("schedcache:users_1", []byte("b"))
	s.Set("other:teams_all", []byte("c"))

	keys, err := s.Keys("schedcache:")
	assert.NoError(t, err)
	assert.Equal(t, []string{"schedcache:teams_all", "schedcache:users_1"}, keys)

	all, err := s.Keys("")
	assert.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_ClosedStoreFails(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	_, _, err = s.Get("k")
	assert.ErrorIs(t, err, durable.ErrClosed)
	assert.ErrorIs(t, s.Set("k", nil), durable.ErrClosed)

	// Closing twice is harmless.
	assert.NoError(t, s.Close())
}
