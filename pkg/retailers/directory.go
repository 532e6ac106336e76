package retailers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/storage"
)

// reloadDebounce coalesces bursts of snapshot-file events into one reload.
const reloadDebounce = 200 * time.Millisecond

// Fetcher retrieves the retailer directory from the backend. Implemented by
// the admission gateway.
type Fetcher interface {
	FetchRetailerDirectory(ctx context.Context) ([]Config, error)
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithStore persists the snapshot through the given state store.
func WithStore(store *storage.Store) DirectoryOption {
	return func(d *Directory) { d.store = store }
}

// WithLogger sets the directory's logger.
func WithLogger(logger *logging.Logger) DirectoryOption {
	return func(d *Directory) { d.logger = logger }
}

// WithSnapshotFile watches a local snapshot file and hot-reloads it on
// change.
func WithSnapshotFile(path string) DirectoryOption {
	return func(d *Directory) { d.snapshotPath = path }
}

// WithRefreshInterval sets the periodic refresh cadence.
func WithRefreshInterval(interval time.Duration) DirectoryOption {
	return func(d *Directory) { d.refreshInterval = interval }
}

// WithRetryInterval sets the delay before retrying a failed refresh.
func WithRetryInterval(interval time.Duration) DirectoryOption {
	return func(d *Directory) { d.retryInterval = interval }
}

// Directory owns the retailer-directory snapshot. Consumers must tolerate an
// empty snapshot and call Ensure to trigger a refresh.
type Directory struct {
	mu      sync.RWMutex
	configs []Config

	fetcher         Fetcher
	store           *storage.Store
	logger          *logging.Logger
	snapshotPath    string
	refreshInterval time.Duration
	retryInterval   time.Duration

	retryTimer *time.Timer
	watcher    *fsnotify.Watcher
	reload     *time.Timer
	done       chan struct{}
	closeOnce  sync.Once
}

// NewDirectory creates a directory backed by the given fetcher.
func NewDirectory(fetcher Fetcher, opts ...DirectoryOption) *Directory {
	d := &Directory{
		fetcher:         fetcher,
		refreshInterval: 24 * time.Hour,
		retryInterval:   15 * time.Minute,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger, _ = logging.NewLogger("retailers")
	}
	return d
}

// Snapshot returns the current configs. May be empty.
func (d *Directory) Snapshot() []Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configs
}

// Ensure returns a non-empty snapshot, refreshing synchronously if needed.
// When the refresh also fails it returns the refresh error; callers decide
// whether to fall back to the built-in list.
func (d *Directory) Ensure(ctx context.Context) ([]Config, error) {
	if configs := d.Snapshot(); len(configs) > 0 {
		return configs, nil
	}
	return d.Refresh(ctx)
}

// Refresh fetches the directory, replaces the snapshot, and persists it.
// Unlike gateway calls, the error is returned untouched so a manual-refresh
// caller can react; a failure also arms the retry timer.
func (d *Directory) Refresh(ctx context.Context) ([]Config, error) {
	configs, err := d.fetcher.FetchRetailerDirectory(ctx)
	if err != nil {
		d.logger.Errorf("directory refresh failed: %v", err)
		d.armRetry()
		return nil, err
	}

	d.setSnapshot(configs, true)
	d.clearRetry()
	d.logger.Infof("directory refreshed: %d retailers", len(configs))
	return configs, nil
}

func (d *Directory) setSnapshot(configs []Config, persist bool) {
	d.mu.Lock()
	d.configs = configs
	d.mu.Unlock()

	if persist && d.store != nil {
		if err := d.store.Put(storage.SectionRetailers, configs); err != nil {
			d.logger.Warnf("failed to persist directory snapshot: %v", err)
		}
	}
}

func (d *Directory) armRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
	}
	d.retryTimer = time.AfterFunc(d.retryInterval, func() {
		_, _ = d.Refresh(context.Background())
	})
}

func (d *Directory) clearRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}

// Start restores the persisted snapshot, begins periodic refreshes, and, if
// configured, watches the local snapshot file.
func (d *Directory) Start(ctx context.Context) error {
	if d.store != nil {
		var persisted []Config
		ok, err := d.store.Get(storage.SectionRetailers, &persisted)
		if err != nil {
			d.logger.Warnf("failed to restore directory snapshot: %v", err)
		} else if ok {
			d.setSnapshot(persisted, false)
			d.logger.Infof("restored directory snapshot: %d retailers", len(persisted))
		}
	}

	if d.snapshotPath != "" {
		if err := d.watchSnapshotFile(); err != nil {
			return err
		}
		d.loadSnapshotFile()
	}

	go d.refreshLoop(ctx)
	return nil
}

func (d *Directory) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(d.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = d.Refresh(ctx)
		case <-ctx.Done():
			return
		case <-d.done:
			return
		}
	}
}

func (d *Directory) watchSnapshotFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.snapshotPath); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					d.scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Warnf("snapshot watcher error: %v", err)
			case <-d.done:
				return
			}
		}
	}()
	return nil
}

func (d *Directory) scheduleReload() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reload != nil {
		d.reload.Stop()
	}
	d.reload = time.AfterFunc(reloadDebounce, d.loadSnapshotFile)
}

func (d *Directory) loadSnapshotFile() {
	raw, err := os.ReadFile(d.snapshotPath)
	if err != nil {
		d.logger.Warnf("failed to read snapshot file %s: %v", d.snapshotPath, err)
		return
	}

	var configs []Config
	if err := json.Unmarshal(raw, &configs); err != nil {
		d.logger.Errorf("malformed snapshot file %s: %v", d.snapshotPath, err)
		return
	}

	d.setSnapshot(configs, true)
	d.logger.Infof("loaded snapshot file: %d retailers", len(configs))
}

// Close stops the refresh loop, retry timer, and file watcher.
func (d *Directory) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.clearRetry()
		d.mu.Lock()
		if d.reload != nil {
			d.reload.Stop()
		}
		d.mu.Unlock()
		if d.watcher != nil {
			d.watcher.Close()
		}
	})
}
