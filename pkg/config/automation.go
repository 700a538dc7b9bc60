package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const automationKey = "CONFIG#automation"

// AutomationConfig is the runtime automation switch. When the kill switch
// is engaged, the orchestrator refuses automated promotion attempts; manual
// incident actions continue to work.
type AutomationConfig struct {
	KillSwitchEngaged bool      `json:"killSwitchEngaged"`
	Reason            string    `json:"reason,omitempty"`
	UpdatedBy         string    `json:"updatedBy,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AutomationStore persists the automation switch.
type AutomationStore struct {
	kv storage.KV
}

// NewAutomationStore wraps kv.
func NewAutomationStore(kv storage.KV) *AutomationStore { return &AutomationStore{kv: kv} }

// Get returns the current switch state. An absent record means automation
// is enabled.
func (s *AutomationStore) Get(ctx context.Context) (AutomationConfig, error) {
	rec, err := s.kv.Get(ctx, storage.TableAutomationConfig, automationKey)
	if errors.Is(err, storage.ErrNotFound) {
		return AutomationConfig{}, nil
	}
	if err != nil {
		return AutomationConfig{}, fmt.Errorf("config: get automation: %w", err)
	}
	var cfg AutomationConfig
	if err := json.Unmarshal(rec.Body, &cfg); err != nil {
		return AutomationConfig{}, fmt.Errorf("config: decode automation: %w", err)
	}
	return cfg, nil
}

// Set replaces the switch state. The write is versioned so concurrent
// operators do not silently clobber each other.
func (s *AutomationStore) Set(ctx context.Context, cfg AutomationConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal automation: %w", err)
	}
	rec, err := s.kv.Get(ctx, storage.TableAutomationConfig, automationKey)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := s.kv.PutIfAbsent(ctx, storage.TableAutomationConfig, storage.Record{
			Key:  automationKey,
			Body: body,
		}); err != nil {
			return fmt.Errorf("config: put automation: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: get automation: %w", err)
	}
	err = s.kv.UpdateVersioned(ctx, storage.TableAutomationConfig, automationKey, rec.Version, body, nil)
	if errors.Is(err, storage.ErrVersionConflict) {
		return contracts.NewError(contracts.KindConflict, contracts.CodeConflict,
			"concurrent automation config update")
	}
	if err != nil {
		return fmt.Errorf("config: update automation: %w", err)
	}
	return nil
}
