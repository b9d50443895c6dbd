package routing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
)

// SeedFile is the optional static routing-table bootstrap document: a
// parallel, YAML-authored counterpart to the live Redis-backed table, for
// local/dev environments that don't run a Redis instance to pre-populate.
type SeedFile struct {
	ActiveColors map[string]string `yaml:"activeColors"`
	Routes       []SeedRoute       `yaml:"routes"`
}

// SeedRoute is one routing-table entry in a SeedFile.
type SeedRoute struct {
	Environment string `yaml:"environment"`
	CompilerID  string `yaml:"compilerId"`
	Type        Type   `yaml:"type"`
	TargetURL   string `yaml:"targetUrl,omitempty"`
	QueueName   string `yaml:"queueName,omitempty"`
}

// LoadSeedFile reads and parses a SeedFile from path. A missing file is
// returned as the unwrapped os error, so callers can check os.IsNotExist to
// treat seeding as optional (LoadAndSeed does).
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse routing seed %s: %w", path, err)
	}
	return &seed, nil
}

// SeedRedisStore writes every route and active color in seed into store.
// It is meant to run once at startup, before the first request is served.
func SeedRedisStore(ctx context.Context, store *RedisStore, seed *SeedFile) error {
	for _, route := range seed.Routes {
		entry := RawEntry{
			RoutingType: route.Type,
			TargetURL:   route.TargetURL,
			QueueName:   route.QueueName,
			Environment: route.Environment,
		}
		key := compositeKey(route.Environment, route.CompilerID)
		if err := store.PutRouting(ctx, key, entry); err != nil {
			return fmt.Errorf("seed routing %s: %w", key, err)
		}
	}
	for environment, color := range seed.ActiveColors {
		if err := store.PutActiveColor(ctx, environment, color); err != nil {
			return fmt.Errorf("seed active color %s: %w", environment, err)
		}
	}
	logging.Info("routing", "seeded routing table", "routes", len(seed.Routes), "activeColors", len(seed.ActiveColors))
	return nil
}

// LoadAndSeed loads path if present and writes it into store. A missing
// file is treated as "no seed configured", not an error.
func LoadAndSeed(ctx context.Context, store *RedisStore, path string) error {
	if path == "" {
		return nil
	}
	seed, err := LoadSeedFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return SeedRedisStore(ctx, store, seed)
}
