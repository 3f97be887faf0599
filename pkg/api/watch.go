package api

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lemonberrylabs/symexpr/pkg/loader"
	"github.com/lemonberrylabs/symexpr/pkg/store"
)

// watchDebounce is how long a file must be quiet before it is reloaded.
const watchDebounce = 200 * time.Millisecond

// dirWatcher keeps the expressions declared in a directory of documents in
// sync with the store.
type dirWatcher struct {
	srv     *Server
	dir     string
	watcher *fsnotify.Watcher
	owned   map[string][]string // file path -> expression IDs it declared
	pending map[string]time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatchDir deploys every expression declared in the documents under dir and
// then keeps them in sync: changed files are reloaded and expressions from
// removed files are deleted. Files that fail to load are logged and skipped.
// Only one directory is watched at a time; StopWatching ends it.
func (s *Server) WatchDir(dir string) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("already watching %s", s.watcher.dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching expressions directory: %w", err)
	}

	w := &dirWatcher{
		srv:     s,
		dir:     dir,
		watcher: fw,
		owned:   make(map[string][]string),
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	docs, err := loader.LoadDir(dir, s.parseOptions()...)
	if err != nil {
		s.logger.Warn("Some expression documents failed to load", zap.String("dir", dir), zap.Error(err))
	}
	loaded := 0
	for _, doc := range docs {
		loaded += w.deploy(doc)
	}
	s.logger.Info("Loaded expressions", zap.String("dir", dir), zap.Int("count", loaded))

	s.watcher = w
	go w.run()
	return nil
}

// StopWatching stops the directory watcher started by WatchDir and waits
// for it to exit. It is a no-op when nothing is watched.
func (s *Server) StopWatching() {
	s.watchMu.Lock()
	w := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()
	if w == nil {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		s.logger.Error("Error closing directory watcher", zap.Error(err))
	}
}

func (w *dirWatcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(watchDebounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !loader.IsDocumentFile(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(w.pending, ev.Name)
				w.remove(ev.Name)
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.pending[ev.Name] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.srv.logger.Warn("Directory watcher error", zap.Error(err))

		case now := <-ticker.C:
			var ready []string
			for path, at := range w.pending {
				if now.Sub(at) >= watchDebounce {
					ready = append(ready, path)
				}
			}
			sort.Strings(ready)
			for _, path := range ready {
				delete(w.pending, path)
				w.reload(path)
			}
		}
	}
}

func (w *dirWatcher) reload(path string) {
	doc, err := loader.Load(path, w.srv.parseOptions()...)
	if err != nil {
		w.srv.logger.Warn("Could not reload expression document", zap.String("file", path), zap.Error(err))
		return
	}
	n := w.deploy(doc)
	w.srv.logger.Info("Reloaded expression document", zap.String("file", filepath.Base(path)), zap.Int("count", n))
}

// deploy creates or updates the expressions of doc and deletes those the
// file declared before but no longer does. It returns how many expressions
// were deployed.
func (w *dirWatcher) deploy(doc *loader.Document) int {
	ctx := context.Background()
	s := w.srv

	keep := make(map[string]bool, len(doc.Expressions))
	var ids []string
	for _, e := range doc.Expressions {
		if err := w.upsert(ctx, e); err != nil {
			s.logger.Warn("Could not deploy expression",
				zap.String("file", doc.Path), zap.String("id", e.ID), zap.Error(err))
			continue
		}
		keep[e.ID] = true
		ids = append(ids, e.ID)
	}

	for _, id := range w.owned[doc.Path] {
		if !keep[id] {
			w.delete(ctx, id)
		}
	}
	w.owned[doc.Path] = ids
	return len(ids)
}

func (w *dirWatcher) upsert(ctx context.Context, e *loader.Expression) error {
	s := w.srv
	cur, err := s.store.GetExpression(ctx, e.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := s.store.CreateExpression(ctx, e.ID, e.Source, e.Description, e.Labels); err != nil {
			return err
		}
	case err != nil:
		return err
	case cur.Source != e.Source || cur.Description != e.Description || !maps.Equal(cur.Labels, e.Labels):
		labels := e.Labels
		if labels == nil {
			// An empty map clears labels; nil leaves them unchanged.
			labels = map[string]string{}
		}
		if _, err := s.store.UpdateExpression(ctx, e.ID, store.ExpressionUpdate{
			Source:      &e.Source,
			Description: &e.Description,
			Labels:      labels,
		}); err != nil {
			return err
		}
	}
	s.cache(e.ID, e.Source, e.Node)
	return nil
}

func (w *dirWatcher) remove(path string) {
	ctx := context.Background()
	for _, id := range w.owned[path] {
		w.delete(ctx, id)
	}
	if len(w.owned[path]) > 0 {
		w.srv.logger.Info("Removed expressions of deleted document",
			zap.String("file", filepath.Base(path)), zap.Strings("ids", w.owned[path]))
	}
	delete(w.owned, path)
}

func (w *dirWatcher) delete(ctx context.Context, id string) {
	if err := w.srv.store.DeleteExpression(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.srv.logger.Warn("Could not delete expression", zap.String("id", id), zap.Error(err))
	}
	w.srv.uncache(id)
}
