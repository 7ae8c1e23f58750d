package main

import (
	"github.com/matst80/divider/internal/config"
	"github.com/matst80/divider/internal/obs"
	"github.com/matst80/divider/internal/state"
)

// newStateStore creates either an in-memory or Redis-backed session registry based on configuration
func newStateStore(cfg *config.Config) (state.Store, error) {
	if cfg.Redis.Addr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return state.NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.Redis.Addr})
	return state.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}
