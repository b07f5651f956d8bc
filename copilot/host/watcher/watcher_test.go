package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch rewrites a file until the watcher notices; alerts are dropped when nobody listens, so
// a single write can race the subscription.
func awaitAlert(t *testing.T, wr Interface, wait time.Duration, touch func()) bool {
	t.Helper()
	deadline := time.After(wait)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-wr.Alert():
			return true
		case <-tick.C:
			touch()
		case <-deadline:
			return false
		}
	}
}

func TestAlertsOnWrite(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, `app.js`)
	require.NoError(t, os.WriteFile(file, []byte(`1`), 0o644))

	wr, err := Start(Directory(dir), Include(`*.js`))
	require.NoError(t, err)
	defer wr.Shutdown()

	ok := awaitAlert(t, wr, 5*time.Second, func() {
		require.NoError(t, os.WriteFile(file, []byte(time.Now().String()), 0o644))
	})
	assert.True(t, ok, `expected an alert after writing a watched file`)
}

func TestIgnoresExcludedFiles(t *testing.T) {
	dir := t.TempDir()
	wr, err := Start(Directory(dir), Include(`*.css`))
	require.NoError(t, err)
	defer wr.Shutdown()

	file := filepath.Join(dir, `notes.txt`)
	ok := awaitAlert(t, wr, time.Second, func() {
		require.NoError(t, os.WriteFile(file, []byte(time.Now().String()), 0o644))
	})
	assert.False(t, ok, `a file outside the include patterns must not alert`)
}

func TestWatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	wr, err := Start(Directory(dir), Include(`*.html`))
	require.NoError(t, err)
	defer wr.Shutdown()

	sub := filepath.Join(dir, `pages`)
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(100 * time.Millisecond) // give the watcher a beat to adopt the new directory

	file := filepath.Join(sub, `page.html`)
	ok := awaitAlert(t, wr, 5*time.Second, func() {
		require.NoError(t, os.WriteFile(file, []byte(time.Now().String()), 0o644))
	})
	assert.True(t, ok, `files in directories created after Start must still alert`)
}

func TestShutdownStops(t *testing.T) {
	dir := t.TempDir()
	wr, err := Start(Directory(dir))
	require.NoError(t, err)
	wr.Shutdown()
	wr.Shutdown() // shutting down twice must not hang
}

func TestBadPattern(t *testing.T) {
	_, err := Start(Directory(t.TempDir()), Include(`[`))
	assert.Error(t, err)
}

func TestMissingDirectory(t *testing.T) {
	_, err := Start(Directory(filepath.Join(t.TempDir(), `missing`)))
	assert.Error(t, err)
}
