package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

const defaultRulesTTL = 30 * time.Second

// RuleSource lists the active filter rules in evaluation order.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]FilterRule, error)
}

type cachedRuleSet struct {
	loaded time.Time
	set    RuleSet
}

// CachedRules compiles rules from a source and reuses them for ttl.
// Concurrent misses share one load. A failed reload keeps serving the last
// good set, so a rule edit may take up to ttl to reach announces.
type CachedRules struct {
	src     RuleSource
	current atomic.Pointer[cachedRuleSet]
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

// NewCachedRules wraps src with a ttl cache.
func NewCachedRules(src RuleSource, ttl time.Duration) *CachedRules {
	if ttl <= 0 {
		ttl = defaultRulesTTL
	}
	return &CachedRules{src: src, ttl: ttl, now: time.Now}
}

// RuleSet returns the compiled rules, loading them if the cache is cold or expired.
func (c *CachedRules) RuleSet(ctx context.Context) (RuleSet, error) {
	cur := c.current.Load()
	if cur != nil && c.now().Sub(cur.loaded) < c.ttl {
		return cur.set, nil
	}

	v, err, _ := c.group.Do("rules", func() (any, error) {
		// shared by every waiter, so one caller going away must not fail the rest
		rules, err := c.src.ActiveRules(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		next := &cachedRuleSet{loaded: c.now(), set: CompileRules(rules)}
		c.current.Store(next)
		log.Debug().Int("rules", next.set.Len()).Msg("filter rules reloaded")
		return next.set, nil
	})
	if err != nil {
		if cur != nil {
			log.Warn().Err(err).Msg("failed to reload filter rules, serving previous set")
			return cur.set, nil
		}
		return RuleSet{}, errors.Wrap(err, "load filter rules")
	}
	return v.(RuleSet), nil
}

// Invalidate forces the next RuleSet call to reload.
func (c *CachedRules) Invalidate() {
	c.current.Store(nil)
}

// fileRule is the on-disk shape of a rule; active defaults to true.
type fileRule struct {
	Active  *bool      `yaml:"active"`
	Name    string     `yaml:"name"`
	Type    RuleType   `yaml:"type"`
	Pattern string     `yaml:"pattern"`
	Action  RuleAction `yaml:"action"`
}

type rulesFile struct {
	Rules []fileRule `yaml:"rules"`
}

// loadRulesFile reads a YAML rules file. Invalid entries are skipped with a
// warning; an unreadable, empty or malformed file is an error.
func loadRulesFile(path string) ([]FilterRule, error) {
	//nolint:gosec // Path is controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read rules file")
	}
	// a truncated file mid-write; an intentionally empty list is `rules: []`
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("rules file is empty")
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse rules file")
	}

	rules := make([]FilterRule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		r := FilterRule{
			ID:       int64(i + 1),
			Name:     fr.Name,
			Type:     fr.Type,
			Pattern:  fr.Pattern,
			Action:   fr.Action,
			IsActive: fr.Active == nil || *fr.Active,
		}
		if err := validateRule(r); err != nil {
			log.Warn().Err(err).Int("entry", i+1).Str("path", path).Msg("skipping invalid rule")
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// FileRules serves rules from a YAML file and reloads it when it changes.
// A file that cannot be read or parsed never replaces the last good rules;
// until one load succeeds ActiveRules returns an error.
type FileRules struct {
	rules atomic.Pointer[[]FilterRule]
	path  string
}

// NewFileRules loads path immediately. A failed first load is retried on
// the next ActiveRules call or file event.
func NewFileRules(path string) *FileRules {
	fr := &FileRules{path: path}
	if err := fr.reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("filter rules file not loaded")
	}
	return fr
}

func (fr *FileRules) reload() error {
	rules, err := loadRulesFile(fr.path)
	if err != nil {
		return err
	}
	fr.rules.Store(&rules)
	log.Info().Int("rules", len(rules)).Str("path", fr.path).Msg("loaded filter rules file")
	return nil
}

// ActiveRules implements RuleSource.
func (fr *FileRules) ActiveRules(context.Context) ([]FilterRule, error) {
	all := fr.rules.Load()
	if all == nil {
		if err := fr.reload(); err != nil {
			return nil, err
		}
		all = fr.rules.Load()
	}
	out := make([]FilterRule, 0, len(*all))
	for _, r := range *all {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// Watch reloads the file on change until ctx is cancelled. The directory is
// watched so editors that replace the file on save are picked up.
func (fr *FileRules) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create rules watcher")
	}
	if err := w.Add(filepath.Dir(fr.path)); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "watch %s", fr.path)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(fr.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := fr.reload(); err != nil {
					// editors replacing the file fire Rename before the new file exists
					log.Warn().Err(err).Str("path", fr.path).Msg("keeping previous filter rules")
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}
