package systems

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/config"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

type SystemManager struct {
	eventSystem      *core.EventSystem
	jobSystem        *JobSystem
	descriptorSystem *DescriptorSystem
}

func NewSystemManager(device descriptors.Device, cfg config.Config, configPath string) (*SystemManager, error) {
	events := core.NewEventSystem()
	ds, err := NewDescriptorSystem(&DescriptorSystemConfig{
		Config:     cfg,
		ConfigPath: configPath,
		Events:     events,
	}, device)
	if err != nil {
		return nil, err
	}
	js, err := NewJobSystem(cfg.Testbed.Workers, cfg.Testbed.Workers*4, core.NewIdentifierPool())
	if err != nil {
		ds.Shutdown()
		return nil, err
	}
	return &SystemManager{
		eventSystem:      events,
		jobSystem:        js,
		descriptorSystem: ds,
	}, nil
}

func (sm *SystemManager) EventSystem() *core.EventSystem {
	return sm.eventSystem
}

func (sm *SystemManager) JobSystem() *JobSystem {
	return sm.jobSystem
}

func (sm *SystemManager) DescriptorSystem() *DescriptorSystem {
	return sm.descriptorSystem
}

// Shutdown drains the workers before the descriptor cache goes away.
func (sm *SystemManager) Shutdown() error {
	var errs error
	if err := sm.jobSystem.Shutdown(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "job system"))
	}
	if err := sm.descriptorSystem.Shutdown(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "descriptor system"))
	}
	sm.eventSystem.Shutdown()
	return errs
}
