package config

import (
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/p2psats/tradehub/db"
)

type config struct {
	Env        *AppConfig
	db         *gorm.DB
	cache      map[string]string
	cacheMutex sync.Mutex
}

func NewConfig(env *AppConfig, gormDB *gorm.DB) (*config, error) {
	cfg := &config{
		Env:   env,
		db:    gormDB,
		cache: map[string]string{},
	}

	// node connection values from the environment win over whatever a
	// previous run stored
	if env.LNBackendType != "" {
		if err := cfg.SetUpdate("LNBackendType", env.LNBackendType); err != nil {
			return nil, err
		}
	}
	if env.Network != "" {
		if err := cfg.SetIgnore("Network", env.Network); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (cfg *config) Get(key string) (string, error) {
	cfg.cacheMutex.Lock()
	cached, ok := cfg.cache[key]
	cfg.cacheMutex.Unlock()
	if ok {
		return cached, nil
	}

	var entry db.RuntimeConfig
	result := cfg.db.Limit(1).Find(&entry, &db.RuntimeConfig{Key: key})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", nil
	}

	cfg.cacheMutex.Lock()
	cfg.cache[key] = entry.Value
	cfg.cacheMutex.Unlock()
	return entry.Value, nil
}

// SetIgnore stores the value only if the key does not exist yet.
func (cfg *config) SetIgnore(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}
	return cfg.set(key, value, clauses)
}

// SetUpdate stores the value, overwriting any existing one.
func (cfg *config) SetUpdate(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
	return cfg.set(key, value, clauses)
}

func (cfg *config) set(key string, value string, clauses clause.OnConflict) error {
	entry := db.RuntimeConfig{Key: key, Value: value}
	if err := cfg.db.Clauses(clauses).Create(&entry).Error; err != nil {
		return err
	}

	cfg.cacheMutex.Lock()
	delete(cfg.cache, key)
	cfg.cacheMutex.Unlock()
	return nil
}

func (cfg *config) GetNetwork() string {
	network, _ := cfg.Get("Network")
	if network == "" {
		network = cfg.Env.Network
	}
	return network
}

func (cfg *config) GetEnv() *AppConfig {
	return cfg.Env
}
