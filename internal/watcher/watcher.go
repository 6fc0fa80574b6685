package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// DefaultDebounce is the quiet period after the last qualifying
	// notification before pending paths are evaluated.
	DefaultDebounce = 100 * time.Millisecond

	// DefaultMaxDeferral bounds how long a burst of notifications may keep
	// re-arming the shared debounce timer.
	DefaultMaxDeferral = 2 * time.Second
)

var (
	ErrDirectoryNotFound = errors.New("watch directory does not exist")
	ErrNotDirectory      = errors.New("watch path is not a directory")
)

// imageExtensions is the allow-list of qualifying file extensions.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// IsImageFile reports whether name carries a qualifying image extension.
// Matching is case-insensitive.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// DetectedFile is a qualifying file reported by the watcher.
type DetectedFile struct {
	Path    string
	ModTime time.Time
}

// ModTimeMillis returns the modification time as Unix milliseconds.
func (f DetectedFile) ModTimeMillis() int64 {
	return f.ModTime.UnixMilli()
}

// DetectCallback is called once per detected file. It runs on the session's
// event loop and must not call back into the Watcher.
type DetectCallback func(DetectedFile)

// Config controls watcher timing and logging.
type Config struct {
	Debounce time.Duration
	// MaxDeferral caps the total time a pending path can wait while the
	// shared timer keeps being re-armed. Zero leaves it unbounded.
	MaxDeferral time.Duration
	Logger      *slog.Logger
}

// Watcher owns at most one watch session on a single directory.
type Watcher struct {
	mu          sync.Mutex
	active      *watchSession
	debounce    time.Duration
	maxDeferral time.Duration
	callback    DetectCallback
	logger      *slog.Logger
}

type watchSession struct {
	id        string
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	detected map[string]time.Time
}

// New creates a watcher. The callback may be nil.
func New(cfg Config, callback DetectCallback) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxDeferral := cfg.MaxDeferral
	if maxDeferral < 0 {
		maxDeferral = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		debounce:    debounce,
		maxDeferral: maxDeferral,
		callback:    callback,
		logger:      logger.With("component", "watcher"),
	}
}

// Start replaces any existing session with one watching dir. A missing or
// non-directory path leaves the watcher idle and returns an error wrapping
// ErrDirectoryNotFound or ErrNotDirectory.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve watch directory %q: %w", dir, err)
	}

	info, err := os.Stat(absDir)
	if err != nil {
		w.logger.Error("watch directory unavailable", "dir", absDir, "error", err)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, absDir)
		}
		return fmt.Errorf("stat watch directory: %w", err)
	}
	if !info.IsDir() {
		w.logger.Error("watch path is not a directory", "dir", absDir)
		return fmt.Errorf("%w: %s", ErrNotDirectory, absDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// The notification is installed before the initial scan so a file
	// written in between is not lost; the detected set absorbs the overlap.
	if err := fsW.Add(absDir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", absDir, err)
	}

	sess := &watchSession{
		id:        uuid.NewString(),
		dir:       absDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
		detected:  make(map[string]time.Time),
	}
	w.active = sess

	w.logger.Info("watching directory", "dir", absDir, "session", sess.id)
	go w.watchLoop(sess)
	return nil
}

// Stop ends the active session, if any. No callback fires after Stop
// returns. Safe to call at any time.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Close stops the watcher during shutdown.
func (w *Watcher) Close() {
	w.Stop()
}

func (w *Watcher) stopLocked() {
	sess := w.active
	if sess == nil {
		return
	}
	w.active = nil

	close(sess.cancel)
	sess.fsWatcher.Close()
	<-sess.done

	sess.mu.Lock()
	sess.detected = make(map[string]time.Time)
	sess.mu.Unlock()

	w.logger.Info("stopped watching directory", "dir", sess.dir, "session", sess.id)
}

// WatchedDirectory returns the directory of the active session.
func (w *Watcher) WatchedDirectory() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return "", false
	}
	return w.active.dir, true
}

// Detected returns the files reported so far in the active session,
// oldest first.
func (w *Watcher) Detected() []DetectedFile {
	w.mu.Lock()
	sess := w.active
	w.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	files := make([]DetectedFile, 0, len(sess.detected))
	for path, mod := range sess.detected {
		files = append(files, DetectedFile{Path: path, ModTime: mod})
	}
	sess.mu.Unlock()

	sortByModTime(files)
	return files
}

// watchLoop runs the initial scan, then debounces fsnotify events until the
// session is cancelled. It is the only goroutine touching the pending set.
func (w *Watcher) watchLoop(sess *watchSession) {
	defer close(sess.done)

	w.scan(sess)

	pending := make(map[string]struct{})
	var firstPending time.Time
	var timer *time.Timer
	var timerC <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-sess.cancel:
			return

		case event, ok := <-sess.fsWatcher.Events:
			if !ok {
				return
			}
			if !IsImageFile(event.Name) {
				continue
			}

			if len(pending) == 0 {
				firstPending = time.Now()
			}
			pending[event.Name] = struct{}{}

			// Debounce: every qualifying event re-arms the shared timer.
			delay := w.nextDelay(firstPending)
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Stop()
				timer.Reset(delay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.flush(sess, pending)
			pending = make(map[string]struct{})

		case err, ok := <-sess.fsWatcher.Errors:
			if !ok {
				return
			}
			// No automatic restart; later files may go unseen until Start is
			// called again.
			w.logger.Warn("watcher backend error", "dir", sess.dir, "session", sess.id, "error", err)
		}
	}
}

// nextDelay returns the debounce delay, shortened so the oldest pending path
// is evaluated no later than maxDeferral after it was first seen.
func (w *Watcher) nextDelay(firstPending time.Time) time.Duration {
	delay := w.debounce
	if w.maxDeferral <= 0 {
		return delay
	}
	remaining := w.maxDeferral - time.Since(firstPending)
	if remaining < 0 {
		remaining = 0
	}
	if remaining < delay {
		return remaining
	}
	return delay
}

// scan reports every qualifying file already present in the directory.
func (w *Watcher) scan(sess *watchSession) {
	entries, err := os.ReadDir(sess.dir)
	if err != nil {
		w.logger.Error("read watch directory", "dir", sess.dir, "error", err)
		return
	}

	files := make([]DetectedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(sess.dir, entry.Name())
		info, err := os.Stat(fullPath)
		if err != nil {
			w.logger.Debug("skip unreadable file", "path", fullPath, "error", err)
			continue
		}
		if info.IsDir() {
			continue
		}
		files = append(files, DetectedFile{Path: fullPath, ModTime: info.ModTime()})
	}

	sortByModTime(files)
	w.logger.Info("initial scan complete", "dir", sess.dir, "entries", len(entries), "images", len(files))

	for _, f := range files {
		if !w.promote(sess, f) {
			return
		}
	}
}

// flush evaluates each pending path against the filesystem and the detected
// set. Paths that vanished or were already reported are dropped.
func (w *Watcher) flush(sess *watchSession, pending map[string]struct{}) {
	files := make([]DetectedFile, 0, len(pending))
	for path := range pending {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Debug("pending file gone", "path", path, "error", err)
			continue
		}
		if info.IsDir() {
			continue
		}
		files = append(files, DetectedFile{Path: path, ModTime: info.ModTime()})
	}

	sortByModTime(files)
	for _, f := range files {
		if !w.promote(sess, f) {
			return
		}
	}
}

// promote records f in the detected set and emits it unless it was already
// reported. It returns false once the session has been cancelled.
func (w *Watcher) promote(sess *watchSession, f DetectedFile) bool {
	select {
	case <-sess.cancel:
		return false
	default:
	}

	sess.mu.Lock()
	if _, seen := sess.detected[f.Path]; seen {
		sess.mu.Unlock()
		return true
	}
	sess.detected[f.Path] = f.ModTime
	sess.mu.Unlock()

	w.logger.Debug("image detected", "path", f.Path, "session", sess.id)
	if w.callback != nil {
		w.callback(f)
	}
	return true
}

func sortByModTime(files []DetectedFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
}
