package policy

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the capability document for changes and hot-reloads it
// into the engine. A reload failure leaves the previous rules in force.
type Watcher struct {
	docPath string
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the document at docPath.
func NewWatcher(docPath string, engine *Engine, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		docPath: docPath,
		engine:  engine,
		watcher: fsw,
		logger:  logger,
	}, nil
}

// Start begins watching. If the document does not exist yet, its directory
// is watched instead so creation is picked up.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if err := w.watcher.Add(w.docPath); err != nil {
		dir := filepath.Dir(w.docPath)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch capability document: %w", err)
		}
		w.logger.Printf("watching directory %s for capability document changes", dir)
	} else {
		w.logger.Printf("watching capability document %s", w.docPath)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.docPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := w.engine.LoadFile(w.docPath); err != nil {
					w.logger.Printf("capability document reload failed, keeping previous rules: %v", err)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}
