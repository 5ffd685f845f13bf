package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersions(t *testing.T) {
	impls := map[string]func(t *testing.T) Versions{
		"memory": func(*testing.T) Versions { return NewMemoryVersions() },
		"redis": func(t *testing.T) Versions {
			_, rdb := newRedis(t)
			return NewRedisVersions(rdb, "papermail:version:")
		},
	}

	for name, newVersions := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("starts at one", func(t *testing.T) {
				v := newVersions(t)
				n, err := v.Current(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})

			t.Run("bump without a prior read", func(t *testing.T) {
				v := newVersions(t)
				n, err := v.Bump(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)
			})

			t.Run("users are independent", func(t *testing.T) {
				v := newVersions(t)
				_, err := v.Bump(ctx, "alice")
				require.NoError(t, err)
				n, err := v.Current(ctx, "bob")
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})

			t.Run("concurrent bumps are not lost", func(t *testing.T) {
				v := newVersions(t)
				var wg sync.WaitGroup
				for i := 0; i < 50; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := v.Bump(ctx, "alice")
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				n, err := v.Current(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, int64(51), n)
			})
		})
	}
}
