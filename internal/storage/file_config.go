package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
)

// watchDebounce agrupa rajadas de eventos do editor em uma única notificação
const watchDebounce = 100 * time.Millisecond

// fileDocument é o formato YAML do arquivo de configuração do firewall
type fileDocument struct {
	Settings *domain.SettingsDocument `yaml:"settings,omitempty"`
	Features *domain.FeatureConfig    `yaml:"features,omitempty"`
	Rules    []domain.Rule            `yaml:"rules,omitempty"`
}

// FileConfigStore implementa domain.ConfigStore sobre um arquivo YAML.
// Leituras recarregam o arquivo quando ele muda em disco; escritas são atômicas
// (arquivo temporário + rename).
type FileConfigStore struct {
	path   string
	logger domain.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	state   *MemoryConfigStore
}

// NewFileConfigStore abre o arquivo informado. Arquivo inexistente equivale a
// configuração vazia e é criado na primeira escrita.
func NewFileConfigStore(path string, logger domain.Logger) (*FileConfigStore, error) {
	store := &FileConfigStore{
		path:   path,
		logger: logger,
		state:  NewMemoryConfigStore(),
	}

	if err := store.refresh(); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("File config store initialized", map[string]interface{}{
			"path": path,
		})
	}
	return store, nil
}

// refresh relê o arquivo se tamanho ou mtime mudaram
func (f *FileConfigStore) refresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshLocked()
}

func (f *FileConfigStore) refreshLocked() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat config file %s: %w", f.path, err)
	}
	if info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", f.path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", f.path, err)
	}

	f.state.SetSettingsDocument(doc.Settings, config.SettingsID)
	f.state.SetFeatureConfig(doc.Features)
	f.state.ReplaceRules(doc.Rules)
	f.modTime = info.ModTime()
	f.size = info.Size()

	if f.logger != nil {
		f.logger.Info("Firewall config loaded", map[string]interface{}{
			"path":  f.path,
			"rules": len(doc.Rules),
		})
	}
	return nil
}

// GetSettingsDocument devolve o documento operacional do arquivo
func (f *FileConfigStore) GetSettingsDocument(ctx context.Context, id string) (*domain.SettingsDocument, error) {
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return f.state.GetSettingsDocument(ctx, id)
}

// GetFeatureConfig devolve os toggles do arquivo
func (f *FileConfigStore) GetFeatureConfig(ctx context.Context) (*domain.FeatureConfig, error) {
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return f.state.GetFeatureConfig(ctx)
}

// ListRules devolve as regras do arquivo que satisfazem o filtro
func (f *FileConfigStore) ListRules(ctx context.Context, filter domain.RuleFilter) ([]domain.Rule, error) {
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return f.state.ListRules(ctx, filter)
}

// CreateRule adiciona a regra e regrava o arquivo
func (f *FileConfigStore) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return f.write(func() error { return f.state.CreateRule(ctx, rule) })
}

// UpdateRule substitui a regra e regrava o arquivo
func (f *FileConfigStore) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	return f.write(func() error { return f.state.UpdateRule(ctx, rule) })
}

// DeleteRule remove a regra e regrava o arquivo
func (f *FileConfigStore) DeleteRule(ctx context.Context, id string) error {
	return f.write(func() error { return f.state.DeleteRule(ctx, id) })
}

func (f *FileConfigStore) write(apply func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshLocked(); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	return f.persistLocked()
}

// persistLocked grava o estado atual via arquivo temporário + rename
func (f *FileConfigStore) persistLocked() error {
	settings, features, rules := f.state.snapshot(config.SettingsID)
	data, err := yaml.Marshal(fileDocument{Settings: settings, Features: features, Rules: rules})
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	if info, err := os.Stat(f.path); err == nil {
		f.modTime = info.ModTime()
		f.size = info.Size()
	}
	return nil
}

// Watch observa o diretório do arquivo e chama onChange quando ele muda.
// Observar o diretório sobrevive a editores que gravam via rename.
func (f *FileConfigStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	absPath, err := filepath.Abs(f.path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go f.watchLoop(ctx, watcher, absPath, onChange)
	return nil
}

func (f *FileConfigStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, absPath string, onChange func()) {
	defer watcher.Close()

	var timerMu sync.Mutex
	var timer *time.Timer
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				if f.logger != nil {
					f.logger.Info("Firewall config file changed", map[string]interface{}{
						"path": absPath,
					})
				}
				onChange()
			})
			timerMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if f.logger != nil {
				f.logger.Warn("Config watcher error", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
