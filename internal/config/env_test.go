package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "def", getEnvString("HTTPCACHE_TEST_STR", "def"))
		t.Setenv("HTTPCACHE_TEST_STR", "")
		assert.Equal(t, "", getEnvString("HTTPCACHE_TEST_STR", "def"), "set but empty wins")
	})

	t.Run("bool", func(t *testing.T) {
		assert.True(t, getEnvBool("HTTPCACHE_TEST_BOOL", true))
		t.Setenv("HTTPCACHE_TEST_BOOL", "false")
		assert.False(t, getEnvBool("HTTPCACHE_TEST_BOOL", true))
		t.Setenv("HTTPCACHE_TEST_BOOL", "nope")
		assert.True(t, getEnvBool("HTTPCACHE_TEST_BOOL", true))
	})

	t.Run("int", func(t *testing.T) {
		assert.Equal(t, 42, getEnvInt("HTTPCACHE_TEST_INT", 42))
		t.Setenv("HTTPCACHE_TEST_INT", "123")
		assert.Equal(t, 123, getEnvInt("HTTPCACHE_TEST_INT", 42))
		t.Setenv("HTTPCACHE_TEST_INT", "not-an-int")
		assert.Equal(t, 42, getEnvInt("HTTPCACHE_TEST_INT", 42))
	})

	t.Run("duration", func(t *testing.T) {
		assert.Equal(t, time.Second, getEnvDuration("HTTPCACHE_TEST_DUR", time.Second))
		t.Setenv("HTTPCACHE_TEST_DUR", "90s")
		assert.Equal(t, 90*time.Second, getEnvDuration("HTTPCACHE_TEST_DUR", time.Second))
		t.Setenv("HTTPCACHE_TEST_DUR", "soon")
		assert.Equal(t, time.Second, getEnvDuration("HTTPCACHE_TEST_DUR", time.Second))
	})

	t.Run("string slice", func(t *testing.T) {
		assert.Equal(t, []string{"a"}, getEnvStringSlice("HTTPCACHE_TEST_SLICE", []string{"a"}))
		t.Setenv("HTTPCACHE_TEST_SLICE", " x, y ,,z")
		assert.Equal(t, []string{"x", "y", "z"}, getEnvStringSlice("HTTPCACHE_TEST_SLICE", nil))
		t.Setenv("HTTPCACHE_TEST_SLICE", "")
		assert.Equal(t, []string{"a"}, getEnvStringSlice("HTTPCACHE_TEST_SLICE", []string{"a"}))
	})

	t.Run("int slice", func(t *testing.T) {
		assert.Equal(t, []int{200}, getEnvIntSlice("HTTPCACHE_TEST_INTS", []int{200}))
		t.Setenv("HTTPCACHE_TEST_INTS", "200, 203,404")
		assert.Equal(t, []int{200, 203, 404}, getEnvIntSlice("HTTPCACHE_TEST_INTS", nil))
		t.Setenv("HTTPCACHE_TEST_INTS", "200,ok")
		assert.Equal(t, []int{200}, getEnvIntSlice("HTTPCACHE_TEST_INTS", []int{200}))
	})
}
