package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML permission file:
//
//	users:
//	  alice@example.com:
//	    level: 2
//	    groups:
//	      accounting.invoices: 1
type Seed struct {
	Users map[string]SeedUser `yaml:"users"`
}

type SeedUser struct {
	Level  Level            `yaml:"level"`
	Groups map[string]Level `yaml:"groups"`
}

// LoadSeed reads and validates the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("parse permission seed %s: %w", path, err)
	}
	for id, u := range seed.Users {
		if !u.Level.Valid() {
			return nil, fmt.Errorf("permission seed: user %q: %w", id, ErrInvalidLevel)
		}
		for g, lvl := range u.Groups {
			if !lvl.Valid() {
				return nil, fmt.Errorf("permission seed: user %q group %q: %w", id, g, ErrInvalidLevel)
			}
		}
	}
	return &seed, nil
}

// Apply writes every record in the seed. Records not named in the seed are
// left alone.
func (s *Seed) Apply(ctx context.Context, store Store) error {
	for id, u := range s.Users {
		if err := store.SetGlobalLevel(ctx, id, u.Level); err != nil {
			return fmt.Errorf("seed user %q: %w", id, err)
		}
		for g, lvl := range u.Groups {
			if err := store.SetGroupLevel(ctx, id, g, lvl); err != nil {
				return fmt.Errorf("seed user %q group %q: %w", id, g, err)
			}
		}
	}
	return nil
}

// WatchFile applies the seed at path, then reapplies it whenever the file
// is written or replaced, until ctx is done. The initial load must succeed;
// later parse failures are logged and the previous records stay in effect.
func WatchFile(ctx context.Context, path string, store Store, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	apply := func() error {
		seed, err := LoadSeed(path)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, store); err != nil {
			return err
		}
		log.InfoContext(ctx, "permissions.seed.apply", slog.String("path", path), slog.Int("users", len(seed.Users)))
		return nil
	}
	if err := apply(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch permission seed: %w", err)
	}
	// Editors commonly replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch permission seed: %w", err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := apply(); err != nil {
					log.WarnContext(ctx, "permissions.seed.apply.fail", slog.String("path", path), slog.String("err", err.Error()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "permissions.seed.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
