package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Constructor builds a Transformer from keyword-style params. Registered
// once per class path at package init time: a closed set of constructors
// looked up from the same string keys a dynamic reflection loader would
// have used.
type Constructor func(params map[string]any) (Transformer, error)

var (
	constructorsMu sync.RWMutex
	constructors   = map[string]Constructor{}
)

// Register adds a constructor under classPath. Called from package init()
// in each transform subpackage; a duplicate registration is a programming
// error.
func Register(classPath string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()

	if _, exists := constructors[classPath]; exists {
		panic(fmt.Sprintf("transform: duplicate constructor registration for %q", classPath))
	}

	constructors[classPath] = ctor
}

// Loader instantiates transformers from Config entries and caches
// instances keyed by (class_path, canonicalized params); transformers are
// stateless with respect to individual requests and safe to share.
type Loader struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]Transformer
}

// NewLoader constructs a Loader. logger may be nil, in which case
// slog.Default() is used.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{logger: logger, cache: map[string]Transformer{}}
}

// Load instantiates (or returns a cached instance for) each entry in cfgs.
// A load failure for one entry is logged and that entry is skipped; the
// returned slice is the loaded subset.
func (l *Loader) Load(cfgs []Config) []Transformer {
	out := make([]Transformer, 0, len(cfgs))

	for _, cfg := range cfgs {
		t, err := l.load(cfg)
		if err != nil {
			l.logger.Error("transform: failed to load transformer, skipping", "class_path", cfg.ClassPath, "error", err)
			continue
		}

		out = append(out, t)
	}

	return out
}

func (l *Loader) load(cfg Config) (Transformer, error) {
	key, err := cacheKey(cfg)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.cache[key]; ok {
		return t, nil
	}

	constructorsMu.RLock()
	ctor, ok := constructors[cfg.ClassPath]
	constructorsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transform: unregistered class path %q", cfg.ClassPath)
	}

	t, err := ctor(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("transform: constructing %q: %w", cfg.ClassPath, err)
	}

	l.cache[key] = t

	return t, nil
}

// cacheKey canonicalizes (class_path, params) into a stable string: Go's
// encoding/json sorts map keys deterministically, so a JSON-marshalled
// params map is a stable cache key without a bespoke canonicalizer.
func cacheKey(cfg Config) (string, error) {
	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	ordered := make(map[string]any, len(cfg.Params))
	for _, k := range keys {
		ordered[k] = cfg.Params[k]
	}

	paramsJSON, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("transform: canonicalizing params for %q: %w", cfg.ClassPath, err)
	}

	return cfg.ClassPath + "|" + string(paramsJSON), nil
}
