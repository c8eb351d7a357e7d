package systems

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/config"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

type DescriptorSystemConfig struct {
	Config config.Config
	// ConfigPath, when set, is watched and changes are applied live.
	ConfigPath string
	// Events, when set, delivers resource destruction to the cache.
	Events *core.EventSystem
}

// DescriptorSystem owns the descriptor cache for the lifetime of the device
// and keeps it in line with the configuration file.
type DescriptorSystem struct {
	cache   *descriptors.Cache
	watcher *config.Watcher
	events  *core.EventSystem
	path    string
}

func NewDescriptorSystem(cfg *DescriptorSystemConfig, device descriptors.Device) (*DescriptorSystem, error) {
	if cfg == nil {
		return nil, errors.New("descriptor system needs a configuration")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	core.SetLogLevel(cfg.Config.LogLevel())

	cache, err := descriptors.NewCache(device, cfg.Config.CacheConfig())
	if err != nil {
		return nil, err
	}
	ds := &DescriptorSystem{cache: cache, events: cfg.Events, path: cfg.ConfigPath}
	if ds.events != nil {
		ds.events.Register(core.EVENT_CODE_RESOURCE_DESTROYED, ds, ds.onResourceDestroyed)
	}

	if cfg.ConfigPath != "" {
		w, err := config.NewWatcher(cfg.ConfigPath, ds.apply)
		if err != nil {
			if ds.events != nil {
				ds.events.Unregister(core.EVENT_CODE_RESOURCE_DESTROYED, ds)
			}
			cache.Shutdown()
			return nil, err
		}
		ds.watcher = w
		core.LogInfo("watching %s for configuration changes", w.Path())
	}
	return ds, nil
}

func (ds *DescriptorSystem) Cache() *descriptors.Cache {
	return ds.cache
}

// apply brings a reloaded configuration into the running cache.
func (ds *DescriptorSystem) apply(cfg config.Config) {
	core.SetLogLevel(cfg.LogLevel())

	if factor := cfg.Descriptors.PreallocFactor; factor != ds.cache.PreallocFactor() {
		if err := ds.cache.SetPreallocFactor(factor); err != nil {
			core.LogError("prealloc factor not applied: %s", err)
		} else {
			core.LogInfo("prealloc factor is now %d", factor)
		}
	}

	if n := cfg.CacheConfig().MaxCachedSets; n > 0 {
		evicted, err := ds.cache.SetMaxCachedSets(n)
		if err != nil {
			core.LogError("set table size not applied: %s", err)
		} else if evicted > 0 {
			core.LogInfo("set table shrunk to %d, %d sets evicted", n, evicted)
		}
	}

	if ds.events != nil {
		ctx := core.EventContext{}
		ctx.Data.C[0] = ds.path
		ds.events.Fire(core.EVENT_CODE_CONFIG_RELOADED, ds, ctx)
	}
}

// onResourceDestroyed drops every cached set that still points at the
// destroyed resource. Other listeners see the event too.
func (ds *DescriptorSystem) onResourceDestroyed(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	h := descriptors.Handle(data.Data.U64[0])
	if n := ds.cache.RemoveSetsWithHandle(h); n > 0 {
		core.LogDebug("resource %d destroyed, %d descriptor sets dropped", h, n)
	}
	return false
}

/**
 * @brief Should happen once per frame, after the frame's command buffers retired.
 */
func (ds *DescriptorSystem) Update() descriptors.CleanupStats {
	stats := ds.cache.Cleanup()
	if stats.PoolsPruned > 0 {
		core.LogDebug("descriptor cleanup: %d pools pruned (%d layouts, %d sets, %d pools live)",
			stats.PoolsPruned, stats.LiveLayouts, stats.LiveSets, stats.LivePools)
	}
	return stats
}

func (ds *DescriptorSystem) Shutdown() error {
	var err error
	if ds.events != nil {
		ds.events.Unregister(core.EVENT_CODE_RESOURCE_DESTROYED, ds)
	}
	if ds.watcher != nil {
		err = ds.watcher.Close()
	}
	core.LogInfo("descriptor cache: %s", ds.cache.Stats())
	ds.cache.Shutdown()
	return err
}
