package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/cache"
	"github.com/momentos/cafe-core/internal/config"
	"github.com/momentos/cafe-core/internal/feed"
)

// AppContext holds shared dependencies (DB, change feed, cache, logger)
// injected into every client-side service.
type AppContext struct {
	Cfg    *config.Config
	DB     *gorm.DB
	Feed   feed.Bus
	Cache  *cache.RedisCache
	Logger *slog.Logger
}

// New creates a new AppContext
func New(cfg *config.Config, db *gorm.DB, bus feed.Bus, rdb *cache.RedisCache, logger *slog.Logger) *AppContext {
	return &AppContext{
		Cfg:    cfg,
		DB:     db,
		Feed:   bus,
		Cache:  rdb,
		Logger: logger,
	}
}
