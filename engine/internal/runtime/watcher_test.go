package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestWatcherDeliversWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autofr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	w, err := NewWatcher(path, testLog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := w.Watch(ctx)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	select {
	case ch := <-changes:
		require.Equal(t, path, ch.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered after writing the config file")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autofr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	w, err := NewWatcher(path, testLog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := w.Watch(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	select {
	case ch := <-changes:
		t.Fatalf("unexpected change for %s", ch.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
