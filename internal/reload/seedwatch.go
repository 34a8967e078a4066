package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ambassador/internal/store"
	"ambassador/internal/validate"
	"ambassador/pkg/logging"
)

// seedEntry is the on-disk shape of a declarative catalog seed file. Config
// and CredentialSchema are captured as arbitrary YAML and re-marshaled to
// JSON for store.McpCatalogEntry's blob columns, since the wire format the
// rest of the ambassador expects for those fields is JSON, not YAML.
type seedEntry struct {
	Name                    string                 `yaml:"name"`
	DisplayName             string                 `yaml:"display_name"`
	Description             string                 `yaml:"description"`
	TransportType           string                 `yaml:"transport_type"`
	IsolationMode           string                 `yaml:"isolation_mode"`
	RequiresUserCredentials bool                   `yaml:"requires_user_credentials"`
	AuthType                string                 `yaml:"auth_type"`
	Config                  map[string]interface{} `yaml:"config"`
	CredentialSchema        map[string]interface{} `yaml:"credential_schema"`
	AutoPublish             bool                   `yaml:"auto_publish"`
}

// SeedWatcher syncs declarative YAML catalog entries from a directory into
// the Data Store, feeding the Catalog Reloader on every change. This is the
// dev-mode, file-driven alternative to managing MCPs through the admin API
// (SPEC_FULL.md's catalog-seed-dir component).
//
// Grounded on the teacher's internal/reconciler/filesystem_detector.go:
// fsnotify.Watcher over a directory, debounced re-sync, one watcher
// goroutine reading both fsnotify's Events and Errors channels.
type SeedWatcher struct {
	dir      string
	st       *store.Store
	reloader *Reloader

	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSeedWatcher constructs a watcher over dir. Call Start to perform the
// initial sync and begin watching for changes.
func NewSeedWatcher(dir string, st *store.Store, reloader *Reloader) *SeedWatcher {
	return &SeedWatcher{
		dir:      dir,
		st:       st,
		reloader: reloader,
		debounce: 500 * time.Millisecond,
	}
}

// Start performs one synchronous sync of dir into the Data Store, then
// launches a background goroutine that re-syncs on filesystem change until
// Shutdown is called.
func (w *SeedWatcher) Start(ctx context.Context) error {
	if err := w.syncOnce(ctx); err != nil {
		return fmt.Errorf("initial catalog seed sync: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating seed directory watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

func (w *SeedWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(event.Name) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if err := w.syncOnce(ctx); err != nil {
					logging.Warn("reload", "catalog seed re-sync failed: %v", err)
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("reload", "catalog seed watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// syncOnce reads every YAML file in dir, upserts each as a catalog entry
// keyed by name, validates it, and publishes it when AutoPublish is set and
// validation passes, then applies any resulting routing changes.
func (w *SeedWatcher) syncOnce(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(w.dir, "*.yaml"))
	if err != nil {
		return err
	}
	ymlFiles, err := filepath.Glob(filepath.Join(w.dir, "*.yml"))
	if err != nil {
		return err
	}
	files = append(files, ymlFiles...)

	existing, err := w.st.ListAllCatalogEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog entries: %w", err)
	}
	byName := make(map[string]store.McpCatalogEntry, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	for _, path := range files {
		entry, autoPublish, err := loadSeedEntry(path)
		if err != nil {
			logging.Warn("reload", "skipping catalog seed %s: %v", path, err)
			continue
		}

		if existingEntry, ok := byName[entry.Name]; ok {
			entry.McpID = existingEntry.McpID
			entry.Status = existingEntry.Status
			if err := w.st.UpdateMcpCatalogEntry(ctx, entry); err != nil {
				logging.Warn("reload", "updating seeded catalog entry %s: %v", entry.Name, err)
				continue
			}
		} else {
			created, err := w.st.CreateMcpCatalogEntry(ctx, entry)
			if err != nil {
				logging.Warn("reload", "creating seeded catalog entry %s: %v", entry.Name, err)
				continue
			}
			entry = created
		}

		result := validate.ValidateMcpConfig(entry)
		status := store.ValidationInvalid
		if result.Valid {
			status = store.ValidationValid
		}
		if err := w.st.SetValidationStatus(ctx, entry.McpID, status); err != nil {
			logging.Warn("reload", "setting validation status for %s: %v", entry.Name, err)
			continue
		}

		if autoPublish && result.Valid {
			if err := w.st.Publish(ctx, entry.McpID); err != nil {
				logging.Warn("reload", "auto-publishing seeded catalog entry %s: %v", entry.Name, err)
			}
		}
	}

	if _, err := w.reloader.Apply(ctx); err != nil {
		return fmt.Errorf("applying catalog reload: %w", err)
	}
	return nil
}

func loadSeedEntry(path string) (store.McpCatalogEntry, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.McpCatalogEntry{}, false, err
	}

	var seed seedEntry
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return store.McpCatalogEntry{}, false, fmt.Errorf("parsing yaml: %w", err)
	}
	if seed.Name == "" {
		return store.McpCatalogEntry{}, false, fmt.Errorf("missing required field: name")
	}

	configJSON, err := json.Marshal(seed.Config)
	if err != nil {
		return store.McpCatalogEntry{}, false, fmt.Errorf("encoding config: %w", err)
	}
	var credSchemaJSON []byte
	if seed.CredentialSchema != nil {
		credSchemaJSON, err = json.Marshal(seed.CredentialSchema)
		if err != nil {
			return store.McpCatalogEntry{}, false, fmt.Errorf("encoding credential_schema: %w", err)
		}
	}

	authType := store.AuthType(seed.AuthType)
	if authType == "" {
		authType = store.AuthNone
	}

	entry := store.McpCatalogEntry{
		Name:                    seed.Name,
		DisplayName:             seed.DisplayName,
		Description:             seed.Description,
		TransportType:           store.TransportType(seed.TransportType),
		Config:                  configJSON,
		IsolationMode:           store.IsolationMode(seed.IsolationMode),
		RequiresUserCredentials: seed.RequiresUserCredentials,
		CredentialSchema:        credSchemaJSON,
		AuthType:                authType,
	}
	return entry, seed.AutoPublish, nil
}

// Shutdown stops the watcher goroutine and releases the fsnotify handle.
func (w *SeedWatcher) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	watcher := w.watcher
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
	return watcher.Close()
}
