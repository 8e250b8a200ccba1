package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for a burst of writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads user policies from disk.
//
// A .rego file is one policy named after the file. Its leading comment block
// is the description, except a "# severity: <level>" line, which sets the
// severity (warning when absent). A .json file holds one Policy or a
// PolicyBundle.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu    sync.RWMutex
	cache map[string][]Policy // by file path
}

// NewLoader returns a loader with an empty cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
		cache:       map[string][]Policy{},
	}
}

// LoadFromPaths loads every policy file under paths. Directories are walked
// recursively. Two files defining the same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		all    []Policy
		origin = map[string]string{}
	)
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := policyFiles(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		for _, file := range files {
			policies, err := l.loadFromFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			for _, p := range policies {
				if prev, dup := origin[p.Name]; dup {
					return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, p.Source)
				}
				origin[p.Name] = p.Source
			}
			all = append(all, policies...)
		}
	}

	l.logger.Debug().Int("total", len(all)).Strs("paths", paths).Msg("Policies loaded from paths")
	return all, nil
}

// policyFiles lists root itself when it is a file, or the policy files below
// it in lexical order.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(path string) ([]Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies, err = regoPolicy(path, data)
	case ".json":
		policies, err = jsonPolicies(path, data)
	default:
		err = fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = policies
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Policies loaded from file")
	return policies, nil
}

func regoPolicy(path string, data []byte) ([]Policy, error) {
	description, severity := parseHeader(string(data))
	p := Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}
	if err := p.normalize(path); err != nil {
		return nil, err
	}
	return []Policy{p}, nil
}

func jsonPolicies(path string, data []byte) ([]Policy, error) {
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	policies := bundle.Policies
	if policies == nil {
		var single Policy
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
		}
		policies = []Policy{single}
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("%s: policy %d has no name", path, i)
		}
		if err := policies[i].normalize(path); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// normalize applies defaults for a user policy read from path.
func (p *Policy) normalize(path string) error {
	if strings.TrimSpace(p.Rego) == "" {
		return fmt.Errorf("%s: policy %s has no rego", path, p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if err := p.Severity.Validate(); err != nil {
		return fmt.Errorf("%s: policy %s: %w", path, p.Name, err)
	}
	p.Source = path
	p.Builtin = false
	return nil
}

// parseHeader reads the comment block at the top of a Rego file.
func parseHeader(content string) (string, Severity) {
	var (
		lines    []string
		severity Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(strings.ToLower(comment), "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
		} else if comment != "" {
			lines = append(lines, comment)
		}
	}
	return strings.Join(lines, " "), severity
}

// LoadBundle reads a PolicyBundle file.
func (l *Loader) LoadBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return &bundle, nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = map[string][]Policy{}
	l.mu.Unlock()
}

// Watch reloads paths after policy files change and hands the result to
// apply. It blocks until ctx is done. A failed reload is logged and the
// previous policies stay in effect.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	for _, path := range paths {
		if err := watchTree(fsw, path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	l.logger.Info().Strs("paths", slices.Sorted(slices.Values(paths))).Msg("Watching policy paths")

	settle := time.NewTimer(l.reloadDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			settle.Reset(l.reloadDelay)

		case <-settle.C:
			l.ClearCache()
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded successfully")

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchTree adds path's directory, or every directory below path.
func watchTree(fsw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fsw.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
}
