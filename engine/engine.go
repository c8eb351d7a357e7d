package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/containers"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
	"github.com/spaghettifunk/descache/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// frameHistory is how many frame times the rolling average covers.
const frameHistory = 64

type Engine struct {
	currentStage  Stage
	gameInstance  *Game
	isRunning     atomic.Bool
	systemManager *systems.SystemManager
	clock         *core.Clock
	lastTime      float64
	frame         uint64
	frameTimes    *containers.RingQueue[float64]
}

// FrameStats summarizes the frames run so far.
type FrameStats struct {
	Frames           uint64
	AverageFrameTime time.Duration
}

func New(g *Game, device descriptors.Device) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, errors.New("engine needs a game with an application config")
	}
	if g.FnUpdate == nil || g.FnRender == nil {
		return nil, errors.New("game must provide update and render functions")
	}
	appConfig := g.ApplicationConfig

	sm, err := systems.NewSystemManager(device, appConfig.Config, appConfig.ConfigPath)
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}
	g.SystemManager = sm

	e := &Engine{
		currentStage:  EngineStageBooting,
		gameInstance:  g,
		clock:         core.NewClock(),
		systemManager: sm,
		frameTimes:    containers.NewRingQueue[float64](frameHistory),
	}

	if g.FnBoot != nil {
		if err := g.FnBoot(); err != nil {
			core.LogError("game boot failed: %s", err)
			_ = sm.Shutdown()
			return nil, err
		}
	}
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return errors.Newf("engine cannot initialize from stage %d", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	e.systemManager.EventSystem().Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// Run drives frames until ctx is cancelled, a quit event arrives or the
// configured number of frames has been rendered.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return errors.Newf("engine cannot run from stage %d", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	maxFrames := uint64(e.gameInstance.ApplicationConfig.Config.Testbed.Frames)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning.Load() {
		if err := ctx.Err(); err != nil {
			core.LogInfo("run cancelled after %d frames", e.frame)
			break
		}
		if maxFrames > 0 && e.frame >= maxFrames {
			break
		}

		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStart := time.Now()

		if err := e.gameInstance.FnUpdate(delta); err != nil {
			core.LogError("game update failed, shutting down: %s", err)
			e.isRunning.Store(false)
			return errors.Wrapf(err, "frame %d update", e.frame)
		}

		// Call the game's render routine.
		if err := e.gameInstance.FnRender(e.frame, delta); err != nil {
			core.LogError("game render failed, shutting down: %s", err)
			e.isRunning.Store(false)
			return errors.Wrapf(err, "frame %d render", e.frame)
		}

		// The frame's sets are recorded; anything orphaned since can go.
		e.systemManager.DescriptorSystem().Update()

		e.frameTimes.Push(time.Since(frameStart).Seconds())
		e.frame++
		e.lastTime = currentTime
	}

	e.isRunning.Store(false)
	stats := e.FrameStats()
	core.LogInfo("%d frames, average frame time %s", stats.Frames, stats.AverageFrameTime)
	return nil
}

// Quit asks the frame loop to stop after the current frame.
func (e *Engine) Quit() {
	e.systemManager.EventSystem().Fire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

func (e *Engine) FrameStats() FrameStats {
	var total float64
	e.frameTimes.Each(func(seconds float64) { total += seconds })

	stats := FrameStats{Frames: e.frame}
	if n := e.frameTimes.Len(); n > 0 {
		stats.AverageFrameTime = time.Duration(total / float64(n) * float64(time.Second))
	}
	return stats
}

func (e *Engine) SystemManager() *systems.SystemManager {
	return e.systemManager
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)
	e.clock.Stop()

	var errs error
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "game shutdown"))
		}
	}
	if err := e.systemManager.Shutdown(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	}
	return false
}
