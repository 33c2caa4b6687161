package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
)

// Watcher turns files dropped into the push directories into push.message
// events. A file is removed once its event is published.
type Watcher struct {
	root     string
	contexts []archive.Context
	bus      *bus.Bus
	logger   *zap.Logger

	fsw    *fsnotify.Watcher
	dirs   map[string]archive.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the push directories of contexts.
func NewWatcher(root string, contexts []archive.Context, b *bus.Bus, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{root: root, contexts: contexts, bus: b, logger: logger}
}

// Start creates missing push directories, publishes files already waiting
// in them and then watches for new ones.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.dirs = make(map[string]archive.Context, len(w.contexts))
	for _, c := range w.contexts {
		dir := PushDir(w.root, c)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("create push dir: %w", err)
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[filepath.Clean(dir)] = c
	}
	w.fsw = fsw

	for dir, c := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.logger.Warn("failed to read push dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.handle(c, filepath.Join(dir, e.Name()))
			}
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.logger.Info("push watcher started", zap.Int("dirs", len(w.dirs)))
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
				continue
			}
			c, ok := w.dirs[filepath.Dir(evt.Name)]
			if !ok {
				continue
			}
			w.handle(c, evt.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("push watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// handle publishes one push file. Hidden files are writes in progress.
func (w *Watcher) handle(c archive.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Warn("failed to read push file", zap.String("file", name), zap.Error(err))
		return
	}
	var p Push
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" || p.Message.ID == "" {
		w.logger.Warn("discarding malformed push file", zap.String("file", name), zap.Error(err))
		_ = os.Remove(path)
		return
	}

	w.bus.Publish(bus.NewEvent(bus.KindPushMessage, archive.PushedMessage{
		Context: c,
		ChatID:  p.ChatID,
		Message: p.Message.toArchive(p.ChatID),
	}))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove push file", zap.String("file", name), zap.Error(err))
	}
	w.logger.Debug("push file published",
		zap.String("context", c.String()),
		zap.String("chat_id", p.ChatID),
		zap.String("msg_id", p.Message.ID))
}
