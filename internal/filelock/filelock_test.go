package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "tile.png")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var active int
	var maxActive int

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(target, 5*time.Second, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return WriteAtomic(target, []byte("data"), 0o644)
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)

	_, err := os.Stat(target + ".lock")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestWithLockTimeout(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "tile.png")
	lockPath := target + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	defer os.Remove(lockPath)

	err = WithLock(target, 120*time.Millisecond, func() error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestWriteAtomicCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "c.json")

	require.NoError(t, WriteAtomic(target, []byte("{}"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
