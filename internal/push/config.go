// Package push implements webhook push notifications: a per-task config
// registry and a best-effort sender that POSTs task snapshots.
package push

import (
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/relay/internal/a2a"
)

// ConfigStore holds push notification configs per task. A task may carry
// several configs; each gets an id on registration.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]map[string]a2a.PushNotificationConfig
}

// NewConfigStore creates an empty registry.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: make(map[string]map[string]a2a.PushNotificationConfig)}
}

// Set registers or replaces a config for the task and returns it with its
// id filled in.
func (s *ConfigStore) Set(taskID string, config a2a.PushNotificationConfig) a2a.PushNotificationConfig {
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.configs[taskID]
	if !ok {
		byID = make(map[string]a2a.PushNotificationConfig)
		s.configs[taskID] = byID
	}
	byID[config.ID] = config
	return config
}

// Get returns the config, or false when either id is unknown.
func (s *ConfigStore) Get(taskID, configID string) (a2a.PushNotificationConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.configs[taskID][configID]
	return config, ok
}

// List returns all configs registered for the task.
func (s *ConfigStore) List(taskID string) []a2a.PushNotificationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.configs[taskID]
	configs := make([]a2a.PushNotificationConfig, 0, len(byID))
	for _, config := range byID {
		configs = append(configs, config)
	}
	return configs
}

// Delete removes one config. Reports whether it existed.
func (s *ConfigStore) Delete(taskID, configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.configs[taskID]
	if !ok {
		return false
	}
	if _, ok := byID[configID]; !ok {
		return false
	}
	delete(byID, configID)
	if len(byID) == 0 {
		delete(s.configs, taskID)
	}
	return true
}

// DeleteTask drops every config for the task. Called when a finalized
// task is cleaned up.
func (s *ConfigStore) DeleteTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, taskID)
}
