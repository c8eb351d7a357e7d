package testbed

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine"
	"github.com/spaghettifunk/descache/engine/config"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
	"github.com/spaghettifunk/descache/engine/renderer/metadata"
)

const (
	uniformSize = 256
	// stride spreads the draws of one frame over the materials.
	stride = 7
)

type TestGame struct {
	*engine.Game
}

type material struct {
	uniform descriptors.Handle
	texture descriptors.Handle
	sampler descriptors.Handle
}

type gameState struct {
	frameUniform descriptors.Handle
	materials    []material
	lastHandle   descriptors.Handle
	frame        uint64
	churned      int

	draws    atomic.Uint64
	failures atomic.Uint64
}

func NewTestGame(cfg config.Config, configPath string) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:       "descache testbed",
				ConfigPath: configPath,
				Config:     cfg,
			},
			State: &gameState{},
		},
	}

	tg.FnBoot = tg.Boot
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

// newHandle stands in for creating a GPU resource.
func (s *gameState) newHandle() descriptors.Handle {
	s.lastHandle++
	return s.lastHandle
}

func (g *TestGame) Boot() error {
	core.LogInfo("booting %s...", g.ApplicationConfig.Name)
	if g.SystemManager == nil {
		return errors.New("the engine is not yet initialized with all the system managers")
	}
	return nil
}

func (g *TestGame) Initialize() error {
	tb := g.ApplicationConfig.Config.Testbed
	state := g.state()

	state.frameUniform = state.newHandle()
	state.materials = make([]material, tb.Materials)
	for i := range state.materials {
		state.materials[i] = material{
			uniform: state.newHandle(),
			texture: state.newHandle(),
			sampler: state.newHandle(),
		}
	}

	// Pipeline layouts are built once, up front, like a renderer would at
	// pipeline creation.
	layouts, err := g.SystemManager.DescriptorSystem().Cache().PipelineLayouts(state.drawBindings(0))
	if err != nil {
		return err
	}
	core.LogInfo("testbed ready: %d materials, pipeline uses %d set layouts, %d workers",
		len(state.materials), len(layouts.Handles()), len(g.SystemManager.JobSystem().Threads()))
	return nil
}

// drawBindings describes what one draw call binds: the per-frame uniform
// in set 0 and the material in set 1.
func (s *gameState) drawBindings(index int) []descriptors.Binding {
	m := s.materials[index]
	return []descriptors.Binding{
		descriptors.NewBinding(0, 0, descriptors.DescriptorKindUniformBuffer,
			descriptors.ShaderStageVertex|descriptors.ShaderStageFragment,
			descriptors.BufferResource(s.frameUniform, 0, uniformSize)),
		descriptors.NewBinding(1, 0, descriptors.DescriptorKindUniformBuffer, descriptors.ShaderStageFragment,
			descriptors.BufferResource(m.uniform, 0, uniformSize)),
		descriptors.NewBinding(1, 1, descriptors.DescriptorKindCombinedImageSampler, descriptors.ShaderStageFragment,
			descriptors.CombinedImageSamplerResource(m.texture, m.sampler, descriptors.ImageLayoutShaderReadOnlyOptimal)),
	}
}

// Update replaces one material texture every few frames. The old texture is
// announced as destroyed so no cached set keeps pointing at it.
func (g *TestGame) Update(deltaTime float64) error {
	every := g.ApplicationConfig.Config.Testbed.TextureChurnEvery
	state := g.state()
	if every <= 0 || state.frame == 0 || state.frame%uint64(every) != 0 {
		return nil
	}

	index := state.churned % len(state.materials)
	old := state.materials[index].texture
	state.materials[index].texture = state.newHandle()
	state.churned++

	ctx := core.EventContext{}
	ctx.Data.U64[0] = uint64(old)
	g.SystemManager.EventSystem().Fire(core.EVENT_CODE_RESOURCE_DESTROYED, g, ctx)
	core.LogDebug("frame %d: material %d texture %d replaced by %d", state.frame, index, old, state.materials[index].texture)
	return nil
}

// Render resolves the descriptor sets of every draw in the frame on the job
// workers and waits for all of them.
func (g *TestGame) Render(frame uint64, deltaTime float64) error {
	state := g.state()
	state.frame = frame
	cache := g.SystemManager.DescriptorSystem().Cache()
	draws := g.ApplicationConfig.Config.Testbed.DrawsPerFrame

	var wg sync.WaitGroup
	var failed atomic.Uint64
	for i := 0; i < draws; i++ {
		index := (int(frame) + i*stride) % len(state.materials)
		wg.Add(1)
		err := g.SystemManager.JobSystem().Submit(metadata.JobTask{
			Name:        "draw",
			InputParams: state.drawBindings(index),
			OnStart: func(thread core.ThreadID, input interface{}, output chan<- interface{}) error {
				sets, err := cache.GetOrCreateSets(thread, input.([]descriptors.Binding))
				if err != nil {
					return err
				}
				output <- sets
				return nil
			},
			// The draw is recorded once the job completes; its sets are
			// no longer needed by it.
			OnComplete: func(out interface{}) {
				descriptors.ReleaseSets(out.([]*descriptors.DescriptorSet))
				state.draws.Add(1)
			},
			OnFailure: func(interface{}) {
				failed.Add(1)
			},
			OnCompletionCallback: wg.Done,
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return err
		}
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		state.failures.Add(n)
		return errors.Newf("frame %d: %d of %d draws could not get their descriptor sets", frame, n, draws)
	}
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	core.LogInfo("testbed: %d draws, %d failed, %d textures replaced",
		state.draws.Load(), state.failures.Load(), state.churned)
	return nil
}

// Draws is the number of draws whose descriptor sets were resolved.
func (g *TestGame) Draws() uint64 {
	return g.state().draws.Load()
}
