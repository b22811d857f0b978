package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/fetchctrl/internal/store"
	"github.com/stretchr/testify/require"
)

func staticJob(resource string, retired *atomic.Bool, entries ...store.Entry) mirrorJob {
	return mirrorJob{
		resource: resource,
		retired:  retired,
		build: func() ([]store.Entry, []string, error) {
			return entries, nil, nil
		},
	}
}

func TestMirrorSkipsRetiredJobsAndPurges(t *testing.T) {
	mem := store.NewMemory(time.Minute)
	m := newMirror(mem, nil, newTestLogger(), 8)

	live := &atomic.Bool{}
	retired := &atomic.Bool{}
	retired.Store(true)

	m.enqueue(staticJob("users", live, store.Entry{Resource: "users", Key: "a"}, store.Entry{Resource: "users", Key: "b"}))
	m.enqueue(staticJob("posts", retired, store.Entry{Resource: "posts", Key: "p"}))
	m.enqueue(staticJob("feed", live, store.Entry{Resource: "feed", Key: "f"}))
	m.purge("feed")
	require.NoError(t, m.close(context.Background()))

	ctx := context.Background()
	for key, want := range map[string]bool{
		store.Key("users", "a"): true,
		store.Key("users", "b"): true,
		store.Key("posts", "p"): false,
		store.Key("feed", "f"):  false,
	} {
		_, ok, err := mem.Lookup(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, ok, key)
	}

	// enqueue after close is a no-op
	m.enqueue(staticJob("users", live, store.Entry{Resource: "users", Key: "c"}))
	_, ok, err := mem.Lookup(ctx, store.Key("users", "c"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMirrorResetReplacesResource(t *testing.T) {
	mem := store.NewMemory(time.Minute)
	ctx := context.Background()
	require.NoError(t, mem.Store(ctx, store.Key("users", "old"), store.Entry{Resource: "users", Key: "old"}))

	m := newMirror(mem, nil, newTestLogger(), 0)
	job := staticJob("users", &atomic.Bool{}, store.Entry{Resource: "users", Key: "new"})
	job.reset = true
	m.enqueue(job)
	require.NoError(t, m.close(ctx))

	_, ok, err := mem.Lookup(ctx, store.Key("users", "old"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = mem.Lookup(ctx, store.Key("users", "new"))
	require.NoError(t, err)
	require.True(t, ok)
}
