package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/store"
)

// loadRuleFile decodes one *.yaml file into an AutomationRule. The file
// uses the same shape as the DB model (SPEC_FULL.md §12.7), so a
// hand-authored file and an API-originated CRUD call validate and
// persist through the identical path.
func loadRuleFile(path string) (domain.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	var rule domain.AutomationRule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rule, nil
}

// syncRuleFile loads, validates, and upserts the rule authored in path
// into the AutomationRuleStore, remembering which rule ID the file maps
// to so a later remove event can delete the right row.
func (e *Engine) syncRuleFile(ctx context.Context, path string) error {
	rule, err := loadRuleFile(path)
	if err != nil {
		return err
	}
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}

	if existing, ok := e.fileRuleIDs[path]; ok {
		rule.ID = existing
	}

	if rule.ID == uuid.Nil {
		created, err := e.rules.Create(ctx, rule)
		if err != nil {
			return fmt.Errorf("create rule from %s: %w", filepath.Base(path), err)
		}
		e.fileRuleIDs[path] = created.ID
		return nil
	}

	if _, err := e.rules.Get(ctx, rule.ID); errors.Is(err, store.ErrNotFound) {
		created, err := e.rules.Create(ctx, rule)
		if err != nil {
			return fmt.Errorf("create rule from %s: %w", filepath.Base(path), err)
		}
		e.fileRuleIDs[path] = created.ID
		return nil
	} else if err != nil {
		return err
	}

	if err := e.rules.Update(ctx, rule); err != nil {
		return fmt.Errorf("update rule from %s: %w", filepath.Base(path), err)
	}
	e.fileRuleIDs[path] = rule.ID
	return nil
}

// removeRuleFile deletes the rule a now-removed file previously loaded,
// if any.
func (e *Engine) removeRuleFile(ctx context.Context, path string) error {
	id, ok := e.fileRuleIDs[path]
	if !ok {
		return nil
	}
	delete(e.fileRuleIDs, path)
	if err := e.rules.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete rule for removed file %s: %w", filepath.Base(path), err)
	}
	return nil
}

// syncRulesDir loads every *.yaml file currently in dir. Used for the
// initial sync when the watch starts.
func (e *Engine) syncRulesDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.syncRuleFile(ctx, path); err != nil {
			e.logger.Warn("automation: failed to load rule file", "path", path, "error", err)
		}
	}
	return nil
}
