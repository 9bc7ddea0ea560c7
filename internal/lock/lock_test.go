package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tipstream/backend/internal/apperr"
)

func TestManager_LocalFallback(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		m := NewManager(nil, time.Minute)

		lease, err := m.Acquire(context.Background(), "withdraw:streamer-1")
		assert.NoError(t, err)
		assert.NoError(t, lease.Release(context.Background()))

		// Released lock can be taken again.
		lease, err = m.Acquire(context.Background(), "withdraw:streamer-1")
		assert.NoError(t, err)
		lease.Release(context.Background())
	})

	t.Run("held lock is busy", func(t *testing.T) {
		m := NewManager(nil, time.Minute)

		lease, err := m.Acquire(context.Background(), "withdraw:streamer-1")
		assert.NoError(t, err)
		defer lease.Release(context.Background())

		_, err = m.Acquire(context.Background(), "withdraw:streamer-1")
		assert.Error(t, err)
		assert.Equal(t, apperr.CodeTransient, apperr.CodeOf(err))
	})

	t.Run("different names do not contend", func(t *testing.T) {
		m := NewManager(nil, time.Minute)

		a, err := m.Acquire(context.Background(), "withdraw:streamer-1")
		assert.NoError(t, err)
		defer a.Release(context.Background())

		b, err := m.Acquire(context.Background(), "withdraw:streamer-2")
		assert.NoError(t, err)
		defer b.Release(context.Background())
	})

	t.Run("expired lease is reclaimable", func(t *testing.T) {
		m := NewManager(nil, 10*time.Millisecond)

		_, err := m.Acquire(context.Background(), "settle:streamer-1")
		assert.NoError(t, err)

		// Holder crashed without releasing; the lease runs out.
		time.Sleep(20 * time.Millisecond)

		lease, err := m.Acquire(context.Background(), "settle:streamer-1")
		assert.NoError(t, err)
		lease.Release(context.Background())
	})
}
