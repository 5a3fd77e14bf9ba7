package interview

import (
	"context"
	"strings"
	"sync"
)

// InMemoryProvider is an in-process provider seeded with the default config.
type InMemoryProvider struct {
	mu       sync.RWMutex
	configs  map[string]storedConfig
	settings map[string]AISettings
}

type storedConfig struct {
	snapshot   Snapshot
	active     bool
	usageCount int64
}

func NewInMemoryProvider() *InMemoryProvider {
	p := &InMemoryProvider{
		configs:  make(map[string]storedConfig),
		settings: make(map[string]AISettings),
	}
	p.Put(DefaultSnapshot())
	p.PutAISettings(DefaultSettingsID, DefaultAISettings())
	return p
}

// Put stores or replaces an active configuration.
func (p *InMemoryProvider) Put(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.AISettingsID == "" {
		s.AISettingsID = DefaultSettingsID
	}
	prev := p.configs[s.Token]
	p.configs[s.Token] = storedConfig{snapshot: s, active: true, usageCount: prev.usageCount}
}

// Deactivate hides a configuration from lookups without deleting it.
func (p *InMemoryProvider) Deactivate(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.configs[token]; ok {
		c.active = false
		p.configs[token] = c
	}
}

func (p *InMemoryProvider) PutAISettings(id string, s AISettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings[id] = s
}

func (p *InMemoryProvider) ConfigByToken(_ context.Context, token string) (Snapshot, error) {
	token = strings.TrimSpace(token)
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.configs[token]
	if !ok || !c.active {
		return Snapshot{}, ErrNotFound
	}
	c.usageCount++
	p.configs[token] = c
	return c.snapshot, nil
}

func (p *InMemoryProvider) AISettings(_ context.Context, settingsID string) (AISettings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.settings[settingsID]
	if !ok {
		return AISettings{}, ErrNotFound
	}
	return s, nil
}

// UsageCount reports how many successful lookups a token has served.
func (p *InMemoryProvider) UsageCount(token string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.configs[token].usageCount
}

func (p *InMemoryProvider) Close() error { return nil }
