package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
)

func setupTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", 0, ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_SetGet(t *testing.T) {
	c, _ := setupTestCache(t, time.Minute)
	ctx := context.Background()

	resp := newsapi.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"status":"success"}`),
	}
	require.NoError(t, c.Set(ctx, "https://newsdata.io/api/1/latest?q=go", resp))

	got, found, err := c.Get(ctx, "https://newsdata.io/api/1/latest?q=go")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, resp, got)
}

func TestRedisCache_Miss(t *testing.T) {
	c, _ := setupTestCache(t, time.Minute)

	_, found, err := c.Get(context.Background(), "https://newsdata.io/api/1/latest?q=nothing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Expires(t *testing.T) {
	c, mr := setupTestCache(t, time.Minute)
	ctx := context.Background()
	target := "https://newsdata.io/api/1/latest"

	require.NoError(t, c.Set(ctx, target, newsapi.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}))
	assert.Equal(t, time.Minute, mr.TTL(KeyFor(target)))

	mr.FastForward(61 * time.Second)

	_, found, err := c.Get(ctx, target)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	c, mr := setupTestCache(t, time.Minute)
	target := "https://newsdata.io/api/1/latest"
	require.NoError(t, mr.Set(KeyFor(target), "not json"))

	_, found, err := c.Get(context.Background(), target)
	assert.Error(t, err)
	assert.False(t, found)
}

func TestRedisCache_Ping(t *testing.T) {
	c, mr := setupTestCache(t, time.Minute)
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestKeyFor(t *testing.T) {
	a := KeyFor("https://newsdata.io/api/1/latest?q=a")
	b := KeyFor("https://newsdata.io/api/1/latest?q=b")

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, KeyFor("https://newsdata.io/api/1/latest?q=a"))
	assert.Len(t, a, len(keyPrefix)+32)
}
