package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/application"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader relê o arquivo de política e o aplica ao avaliador. Sem caminho,
// aplica os padrões.
type Reloader struct {
	path string
	ev   *application.Evaluator
	log  *zap.Logger

	mu        sync.Mutex
	onApplied []func(*File)
}

func NewReloader(path string, ev *application.Evaluator, log *zap.Logger) *Reloader {
	if log == nil {
		log = zap.NewNop()
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return &Reloader{path: path, ev: ev, log: log}
}

func (r *Reloader) Path() string { return r.path }

// OnApplied registra um callback chamado depois de cada aplicação bem-sucedida
// (ex: ajustar o pool de concorrência ao novo max_concurrent).
func (r *Reloader) OnApplied(fn func(*File)) {
	r.mu.Lock()
	r.onApplied = append(r.onApplied, fn)
	r.mu.Unlock()
}

// Reload carrega e aplica a política. Em erro a política anterior continua valendo.
func (r *Reloader) Reload(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := Defaults()
	if r.path != "" {
		var err error
		if f, err = Load(r.path); err != nil {
			return err
		}
	}
	if err := f.Apply(r.ev); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}
	for _, fn := range r.onApplied {
		fn(f)
	}
	r.log.Info("policy applied",
		zap.String("path", r.path),
		zap.Int("endpoints", len(f.Endpoints)),
		zap.Int("roles", len(f.Roles)),
		zap.Int("api_keys", len(f.APIKeys)))
	return nil
}

const debounceDelay = 100 * time.Millisecond

// Watch observa o diretório do arquivo e recarrega a política a cada escrita,
// agrupando eventos próximos. Bloqueia até o contexto encerrar.
func (r *Reloader) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	// observa o diretório: editores costumam trocar o arquivo por rename
	dir, file := filepath.Dir(r.path), filepath.Base(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.log.Info("watching policy file", zap.String("path", r.path))

	changed := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			} else if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				r.log.Warn("policy file removed; keeping current policy", zap.String("path", r.path))
			}

		case <-changed:
			if err := r.Reload(ctx); err != nil {
				r.log.Warn("policy reload failed; keeping current policy", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error("policy watcher error", zap.Error(err))
		}
	}
}
