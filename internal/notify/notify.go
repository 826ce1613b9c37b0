package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/tagmap"
)

var (
	ErrNotifierFailed = errors.New("post-sync notifier failed")
	ErrMissingConfig  = errors.New("missing post-sync configuration")
	ErrUnknownModule  = errors.New("unknown post-sync module")
)

// StatusError reports an unexpected status from a notifier endpoint.
type StatusError struct {
	Module     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Module, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotifierFailed
}

// SyncResult is everything known about one linked file.
type SyncResult struct {
	FileID             string             `json:"fileId"`
	DisplayTitle       string             `json:"displayTitle"`
	TemporaryLocalPath string             `json:"temporaryLocalPath"`
	RemoteFileLink     string             `json:"remoteFileLink"`
	RecordLink         string             `json:"recordLink"`
	Labels             []tagmap.LabelSpec `json:"labels"`
}

type Notifier interface {
	Run(ctx context.Context) error
}

// ModuleConfig is the raw `post_sync.<module>` table.
type ModuleConfig map[string]any

func (c ModuleConfig) String(key, fallback string) string {
	if value, ok := c[key]; ok {
		if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fallback
}

type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Sleep      func(ctx context.Context, delay time.Duration) error
}

type Factory func(result SyncResult, cfg ModuleConfig, deps Deps) (Notifier, error)

type Module struct {
	Name         string
	RequiredKeys []string
	New          Factory
}

var moduleRegistry = struct {
	mu      sync.RWMutex
	modules map[string]Module
}{
	modules: map[string]Module{},
}

func Register(module Module) {
	name := strings.ToLower(strings.TrimSpace(module.Name))
	if name == "" || module.New == nil {
		return
	}
	module.Name = name
	moduleRegistry.mu.Lock()
	defer moduleRegistry.mu.Unlock()
	moduleRegistry.modules[name] = module
}

func Lookup(name string) (Module, bool) {
	moduleRegistry.mu.RLock()
	defer moduleRegistry.mu.RUnlock()
	module, ok := moduleRegistry.modules[strings.ToLower(strings.TrimSpace(name))]
	return module, ok
}

func RegisteredModules() []string {
	moduleRegistry.mu.RLock()
	defer moduleRegistry.mu.RUnlock()
	names := make([]string, 0, len(moduleRegistry.modules))
	for name := range moduleRegistry.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateModules checks every enabled module is registered and has its
// required keys configured.
func ValidateModules(enabled []string, configs map[string]ModuleConfig) error {
	for _, name := range enabled {
		module, ok := Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q (supported: %s)", ErrUnknownModule, name, strings.Join(RegisteredModules(), ", "))
		}
		cfg, ok := configs[module.Name]
		if !ok && len(module.RequiredKeys) > 0 {
			return fmt.Errorf("%w: module %s requires a configuration", ErrMissingConfig, module.Name)
		}
		var missing []string
		for _, key := range module.RequiredKeys {
			if value, ok := cfg[key]; !ok || value == nil || value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: module %s requires keys %s", ErrMissingConfig, module.Name, strings.Join(missing, ", "))
		}
	}
	return nil
}

// Dispatch runs every enabled module over results in order. The first failure
// within a module stops that module; later modules still run. The returned
// error joins every module failure.
func Dispatch(ctx context.Context, enabled []string, configs map[string]ModuleConfig, results []SyncResult, deps Deps) error {
	deps = deps.withDefaults()
	var errs []error
	for _, name := range enabled {
		module, ok := Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownModule, name))
			continue
		}
		for _, result := range results {
			notifier, err := module.New(result, configs[module.Name], deps)
			if err == nil {
				err = notifier.Run(ctx)
			}
			if err != nil {
				deps.Logger.Error("post-sync module failed", "module", module.Name, "file_id", result.FileID, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", module.Name, err))
				break
			}
			deps.Logger.Debug("post-sync completed for file", "module", module.Name, "title", result.DisplayTitle)
		}
	}
	return errors.Join(errs...)
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Sleep == nil {
		d.Sleep = sleepContext
	}
	return d
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
