package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
)

const (
	defaultColor     = "blue"
	colorCacheTTL    = 30 * time.Second
	unknownEnv       = "unknown"
)

// Resolver implements the per-compiler routing lookup described in the
// component design: composite-then-legacy point read, active-color
// resolution with a 30s TTL, queue URL construction, and an unbounded
// routing cache.
type Resolver struct {
	store Store

	cacheMu sync.RWMutex
	cache   map[string]Info

	colorMu    sync.Mutex
	colorCache map[string]colorEntry

	queueURLBlue  string
	queueURLGreen string
}

type colorEntry struct {
	color     string
	expiresAt time.Time
}

// Config carries the default queue URLs used when a routing entry has no
// explicit queueName.
type Config struct {
	QueueURLBlue  string
	QueueURLGreen string
}

// New constructs a Resolver backed by store.
func New(store Store, cfg Config) *Resolver {
	return &Resolver{
		store:         store,
		cache:         make(map[string]Info),
		colorCache:    make(map[string]colorEntry),
		queueURLBlue:  cfg.QueueURLBlue,
		queueURLGreen: cfg.QueueURLGreen,
	}
}

func compositeKey(environment, compilerID string) string {
	return environment + "#" + compilerID
}

// Lookup resolves routing for compilerId within environment, consulting the
// cache first and falling back to a colored queue on any store failure.
func (r *Resolver) Lookup(ctx context.Context, environment, compilerID string) (Info, error) {
	key := compositeKey(environment, compilerID)

	r.cacheMu.RLock()
	if info, ok := r.cache[key]; ok {
		r.cacheMu.RUnlock()
		return info, nil
	}
	r.cacheMu.RUnlock()

	entry, entryEnv, err := r.lookupEntry(ctx, key, environment, compilerID)
	var info Info
	if err != nil {
		logging.Error("routing", "lookup failed, falling back to colored queue", "compilerId", compilerID, "environment", environment, "error", err)
		color := r.resolveColor(ctx, environment)
		info = Info{
			Type:        TypeQueue,
			Target:      r.defaultColoredQueueURL(environment, color),
			Environment: unknownEnv,
		}
	} else if entry.RoutingType == TypeURL && strings.TrimSpace(entry.TargetURL) != "" {
		info = Info{Type: TypeURL, Target: entry.TargetURL, Environment: entryEnv}
	} else {
		color := r.resolveColor(ctx, entryEnv)
		var queueURL string
		if strings.TrimSpace(entry.QueueName) != "" {
			queueURL = ensureColorAndFIFO(entry.QueueName, color)
		} else {
			queueURL = r.defaultColoredQueueURL(entryEnv, color)
		}
		info = Info{Type: TypeQueue, Target: queueURL, Environment: entryEnv}
	}

	r.cacheMu.Lock()
	r.cache[key] = info
	r.cacheMu.Unlock()
	return info, nil
}

// lookupEntry performs the composite-then-legacy point read.
func (r *Resolver) lookupEntry(ctx context.Context, compositeKey, environment, compilerID string) (*RawEntry, string, error) {
	entry, err := r.store.GetRouting(ctx, compositeKey)
	if err == nil {
		env := entry.Environment
		if env == "" {
			env = environment
		}
		return entry, env, nil
	}
	if err != ErrNotFound {
		return nil, "", err
	}
	entry, err = r.store.GetRouting(ctx, compilerID)
	if err != nil {
		return nil, "", err
	}
	env := entry.Environment
	if env == "" {
		env = environment
	}
	return entry, env, nil
}

// resolveColor returns the memoised active color for environment, falling
// back to "blue" on lookup failure without caching the failure.
func (r *Resolver) resolveColor(ctx context.Context, environment string) string {
	r.colorMu.Lock()
	if cached, ok := r.colorCache[environment]; ok && time.Now().Before(cached.expiresAt) {
		color := cached.color
		r.colorMu.Unlock()
		return color
	}
	r.colorMu.Unlock()

	color, err := r.store.GetActiveColor(ctx, environment)
	if err != nil {
		logging.Error("routing", "active color lookup failed, defaulting to blue", "environment", environment, "error", err)
		return defaultColor
	}

	r.colorMu.Lock()
	r.colorCache[environment] = colorEntry{color: color, expiresAt: time.Now().Add(colorCacheTTL)}
	r.colorMu.Unlock()
	return color
}

func (r *Resolver) defaultColoredQueueURL(environment, color string) string {
	base := r.queueURLBlue
	if color == "green" {
		base = r.queueURLGreen
	}
	if strings.TrimSpace(base) != "" {
		return ensureColorAndFIFO(base, color)
	}
	return ensureColorAndFIFO(environment+"-compilation-queue", color)
}

// ensureColorAndFIFO appends the active color if name lacks a recognised
// color suffix, then ensures a trailing ".fifo".
func ensureColorAndFIFO(name, color string) string {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, "-blue") && !strings.HasSuffix(lower, "-green") && !strings.Contains(lower, "-blue.fifo") && !strings.Contains(lower, "-green.fifo") {
		if strings.HasSuffix(lower, ".fifo") {
			name = name[:len(name)-len(".fifo")] + "-" + color + ".fifo"
		} else {
			name = name + "-" + color
		}
	}
	if !strings.HasSuffix(strings.ToLower(name), ".fifo") {
		name += ".fifo"
	}
	return name
}

// Reset clears the routing cache and active-color cache; exposed for tests
// and administrative reset.
func (r *Resolver) Reset() {
	r.cacheMu.Lock()
	r.cache = make(map[string]Info)
	r.cacheMu.Unlock()

	r.colorMu.Lock()
	r.colorCache = make(map[string]colorEntry)
	r.colorMu.Unlock()
}
