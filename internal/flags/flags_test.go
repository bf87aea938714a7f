package flags

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.db")
	db, err := gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Setting{}))
	return NewService(db)
}

func TestIsEnabledDefaults(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	on, err := s.IsEnabled(ctx, ConcurrentMatcher, true)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = s.IsEnabled(ctx, ConcurrentMatcher, false)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSetOverrides(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, MatchingEngine, "disabled"))
	on, err := s.IsEnabled(ctx, MatchingEngine, true)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.Set(ctx, MatchingEngine, "true"))
	on, err = s.IsEnabled(ctx, MatchingEngine, false)
	require.NoError(t, err)
	assert.True(t, on)

	settings, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "true", settings[0].Value)
}

func TestUnparseableValueFallsBack(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, ConcurrentMatcher, "maybe"))
	on, err := s.IsEnabled(ctx, ConcurrentMatcher, true)
	require.NoError(t, err)
	assert.True(t, on)
}
