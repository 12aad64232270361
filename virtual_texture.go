// Package vtex is a virtual texture paging engine. A fixed physical atlas
// holds the tiles the scene currently needs, a page table redirects samples to
// them and a feedback pass tells the CPU which tiles are missing.
//
// Every frame follows the same sequence:
//
//  1. BeginFrame clears the feedback target.
//  2. The scene renders, sampling through Bindings and writing requests into
//     Targets.Feedback.
//  3. EndFrame uploads loaded tiles, claiming or evicting atlas slots.
//  4. The page table changes are flushed to the indirection texture.
//  5. The feedback target is read back and decoded into the request set.
//  6. Loads are started for requested tiles that are not resident.
//
// Tiles requested in one frame become resident at the earliest one frame
// later; until then sampling falls back to coarser resident mips.
package vtex

import (
	"errors"
	"fmt"

	"github.com/gekko3d/vtex/vt/atlas"
	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/feedback"
	"github.com/gekko3d/vtex/vt/gpu"
	"github.com/gekko3d/vtex/vt/pagetable"
	"github.com/gekko3d/vtex/vt/source"
	"github.com/gekko3d/vtex/vt/stream"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

var (
	ErrDisabled = errors.New("virtual texturing is disabled")
	ErrClosed   = errors.New("virtual texture closed")
)

type Options struct {
	Settings Settings
	Source   source.TileSource
	Surface  gpu.Surface
	Logger   Logger

	// Output surface size; the feedback target is this divided by
	// Settings.FeedbackBufferDivisor.
	SurfaceWidth  uint32
	SurfaceHeight uint32

	// Feedback is a target shared with other virtual textures on the same
	// surface, each registered under its own Settings.FeedbackID. The caller
	// releases it once every texture on it is closed. Nil gives the texture
	// a private target.
	Feedback *feedback.Pass

	Label string
}

// Targets are what the scene render writes to during a frame.
type Targets struct {
	Frame      uint64
	Feedback   gpu.Texture
	FeedbackID uint32
	Selector   feedback.Selector
}

// Bindings are the textures and constants sampling code needs to turn a
// virtual UV into an atlas UV.
type Bindings struct {
	Indirection gpu.Texture
	Atlas       gpu.Texture
	TileSize    uint32
	SlotsPerRow uint32
	VirtualSize uint32
	MaxMip      uint8
}

type Stats struct {
	Frame     uint64
	Requested int
	Resident  int
	Pinned    int
	Jobs      int
	InFlight  int
	Queued    int
	Deferred  int

	Uploaded  uint64
	Failed    uint64
	Dropped   uint64
	Evictions uint64
	Deferrals uint64
	Flushed   uint64
}

type deferredTile struct {
	job *stream.Job
	// last frame the tile was requested
	seen uint64
}

type VirtualTexture struct {
	id       uuid.UUID
	label    string
	settings Settings
	cfg      core.Config
	log      Logger
	surface  gpu.Surface

	pages        *pagetable.Table
	atlas        *atlas.Cache
	feedback     *feedback.Pass
	ownsFeedback bool
	sched        *stream.Scheduler
	profiler     *Profiler

	requests *feedback.RequestSet
	deferred []deferredTile
	fallback core.TileCoord

	frame   uint64
	inFrame bool
	closed  bool

	uploaded uint64
	failed   uint64
	dropped  uint64
}

func New(opts Options) (*VirtualTexture, error) {
	s := opts.Settings
	if !s.IsEnable {
		return nil, ErrDisabled
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("virtual texture: nil tile source")
	}
	if opts.Surface == nil {
		return nil, fmt.Errorf("virtual texture: nil gpu surface")
	}
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}

	v := &VirtualTexture{
		id:       uuid.New(),
		settings: s,
		cfg:      cfg,
		surface:  opts.Surface,
		profiler: NewProfiler(),
		requests: feedback.NewRequestSet(),
		fallback: core.TileCoord{Mip: cfg.MaxMipLevel()},
	}
	v.label = opts.Label
	if v.label == "" {
		v.label = "vt-" + v.id.String()[:8]
	}
	v.log = WithPrefix(opts.Logger, v.label)

	if ts, ok := opts.Source.(source.TileSizer); ok && ts.TileSize() != cfg.TileSize {
		return nil, fmt.Errorf("%w: source tiles are %d texels, settings say %d",
			core.ErrInvalidConfiguration, ts.TileSize(), cfg.TileSize)
	}
	if w, h := opts.Source.LogicalSize(); w > cfg.VirtualTextureSize || h > cfg.VirtualTextureSize {
		v.log.Warnf("source is %dx%d but the virtual texture is %d; the excess is never sampled",
			w, h, cfg.VirtualTextureSize)
	}

	if v.pages, err = pagetable.New(cfg, opts.Surface, v.label+".indirection"); err != nil {
		return nil, err
	}
	if v.atlas, err = atlas.New(cfg, opts.Surface, v.pages, v.label+".atlas"); err != nil {
		v.pages.Release()
		return nil, err
	}
	if err := v.attachFeedback(opts); err != nil {
		v.atlas.Release()
		v.pages.Release()
		return nil, err
	}

	v.sched = stream.New(opts.Source, stream.Options{
		Workers:     s.Workers,
		QueueSize:   s.CompletionQueueSize,
		RetryFrames: s.FailureRetryFrames,
	})
	if s.PinFallbackMip {
		v.requests.Add(v.fallback)
		v.sched.Submit(v.fallback, 0)
	}

	v.log.Infof("created %s", cfg)
	return v, nil
}

func (v *VirtualTexture) attachFeedback(opts Options) error {
	if opts.Feedback != nil {
		if opts.Feedback.Surface() != opts.Surface {
			return fmt.Errorf("%w: shared feedback target lives on another surface", core.ErrInvalidConfiguration)
		}
		v.feedback = opts.Feedback
	} else {
		pass, err := feedback.NewPass(opts.Surface, opts.SurfaceWidth, opts.SurfaceHeight,
			v.settings.FeedbackBufferDivisor, v.label+".feedback")
		if err != nil {
			return err
		}
		v.feedback, v.ownsFeedback = pass, true
	}
	if err := v.feedback.Register(feedback.Decoder{Config: v.cfg, ID: v.settings.FeedbackID}); err != nil {
		if v.ownsFeedback {
			v.feedback.Release()
		}
		return fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err)
	}
	return nil
}

func (v *VirtualTexture) ID() uuid.UUID           { return v.id }
func (v *VirtualTexture) Label() string           { return v.label }
func (v *VirtualTexture) Config() core.Config     { return v.cfg }
func (v *VirtualTexture) Settings() Settings      { return v.settings }
func (v *VirtualTexture) Profiler() *Profiler     { return v.profiler }
func (v *VirtualTexture) Pages() *pagetable.Table { return v.pages }
func (v *VirtualTexture) Atlas() *atlas.Cache     { return v.atlas }

// Requests is the request set that drives loads and eviction protection for
// the current frame.
func (v *VirtualTexture) Requests() *feedback.RequestSet {
	return v.requests
}

func (v *VirtualTexture) Selector() feedback.Selector {
	return feedback.Selector{
		Config:       v.cfg,
		MipBias:      v.settings.MipmapLevelBias,
		MipScale:     v.settings.MipmapLevelScale,
		FeedbackBias: v.settings.FeedbackBias,
	}
}

func (v *VirtualTexture) Bindings() Bindings {
	return Bindings{
		Indirection: v.pages.Texture(),
		Atlas:       v.atlas.Texture(),
		TileSize:    v.cfg.TileSize,
		SlotsPerRow: v.cfg.SlotsPerRow(),
		VirtualSize: v.cfg.VirtualTextureSize,
		MaxMip:      v.cfg.MaxMipLevel(),
	}
}

// BeginFrame starts a frame and clears the feedback target. A shared target
// is cleared by the first texture to begin the frame.
func (v *VirtualTexture) BeginFrame() (Targets, error) {
	if v.closed {
		return Targets{}, ErrClosed
	}
	if v.inFrame {
		return Targets{}, fmt.Errorf("%s: BeginFrame called twice without EndFrame", v.label)
	}
	v.frame++
	v.inFrame = true
	v.profiler.Reset()

	v.profiler.BeginScope("clear")
	err := v.feedback.Begin()
	v.profiler.EndScope("clear")
	if err != nil {
		return Targets{}, err
	}
	return Targets{
		Frame:      v.frame,
		Feedback:   v.feedback.Texture(),
		FeedbackID: v.settings.FeedbackID,
		Selector:   v.Selector(),
	}, nil
}

// EndFrame runs everything after the scene render: upload, flush, readback
// and new loads. Per-tile failures are logged, never returned.
func (v *VirtualTexture) EndFrame() error {
	if v.closed {
		return ErrClosed
	}
	if !v.inFrame {
		return fmt.Errorf("%s: EndFrame without BeginFrame", v.label)
	}
	v.inFrame = false

	v.profiler.BeginScope("drain")
	v.drain()
	v.profiler.EndScope("drain")

	v.profiler.BeginScope("flush")
	n, err := v.pages.Flush()
	v.profiler.EndScope("flush")
	v.profiler.SetCount("flushed", n)
	if err != nil {
		return err
	}

	v.profiler.BeginScope("readback")
	err = v.readback()
	v.profiler.EndScope("readback")
	if err != nil {
		return err
	}

	v.profiler.BeginScope("request")
	v.request()
	v.profiler.EndScope("request")

	st := v.Stats()
	v.profiler.SetCount("requested", st.Requested)
	v.profiler.SetCount("resident", st.Resident)
	v.profiler.SetCount("in_flight", st.InFlight)
	v.profiler.SetCount("deferred", st.Deferred)
	return nil
}

// Frame runs one whole frame with render as the scene pass.
func (v *VirtualTexture) Frame(render func(Targets) error) error {
	t, err := v.BeginFrame()
	if err != nil {
		return err
	}
	var renderErr error
	if render != nil {
		v.profiler.BeginScope("scene")
		renderErr = render(t)
		v.profiler.EndScope("scene")
	}
	if err := v.EndFrame(); err != nil {
		return errors.Join(renderErr, err)
	}
	return renderErr
}

func (v *VirtualTexture) drain() {
	limit := v.settings.MaxUploadsPerFrame
	v.profiler.SetCount("uploads", 0)

	candidates := make([]deferredTile, 0, len(v.deferred))
	candidates = append(candidates, v.deferred...)
	v.deferred = v.deferred[:0]
	if limit <= 0 || len(candidates) < limit {
		rest := 0
		if limit > 0 {
			rest = limit - len(candidates)
		}
		for _, job := range v.sched.Drain(rest) {
			candidates = append(candidates, deferredTile{job: job, seen: v.frame})
		}
	}

	for _, d := range candidates {
		job := d.job
		coord := job.Coord
		if job.Err != nil {
			v.log.Warnf("tile %s failed to load: %v", coord, job.Err)
			v.sched.Fail(coord, v.frame)
			v.failed++
			continue
		}

		slot, ok := v.atlas.ClaimSlotFor(coord, v.frame, v.requests)
		if !ok {
			if v.requests.Contains(coord) {
				d.seen = v.frame
			}
			if v.frame-d.seen > v.settings.DeferredTTLFrames {
				v.log.Debugf("dropping tile %s, not requested for %d frames", coord, v.frame-d.seen)
				v.sched.Finish(coord)
				v.dropped++
				continue
			}
			v.log.Debugf("no evictable slot for %s, deferring", coord)
			v.deferred = append(v.deferred, d)
			continue
		}

		if err := v.atlas.Upload(slot, job.Pixels); err != nil {
			v.atlas.ReleaseSlot(slot)
			v.log.Warnf("tile %s: %v", coord, err)
			v.sched.Fail(coord, v.frame)
			v.failed++
			continue
		}
		if err := v.pages.Bind(coord, slot, v.frame); err != nil {
			v.atlas.ReleaseSlot(slot)
			v.log.Errorf("tile %s: %v", coord, err)
			v.sched.Fail(coord, v.frame)
			v.failed++
			continue
		}
		v.sched.Finish(coord)
		v.uploaded++
		v.profiler.AddCount("uploads", 1)
		if v.settings.PinFallbackMip && coord == v.fallback {
			v.atlas.Pin(coord)
		}
	}

	if debugAssertions || v.settings.Debug {
		err := v.atlas.CheckConsistency()
		if err != nil {
			v.log.Errorf("atlas and page table disagree: %v", err)
		}
		assertf(err == nil, "%s: %v", v.label, err)
	}
}

func (v *VirtualTexture) readback() error {
	if err := v.feedback.ScheduleReadback(); err != nil {
		return err
	}
	if err := v.surface.Submit(); err != nil {
		return fmt.Errorf("failed to submit frame %d: %w", v.frame, err)
	}
	set, ok, err := v.feedback.Poll(v.settings.FeedbackID)
	if err != nil {
		return err
	}
	// no new readback yet: keep requesting what the last one asked for
	if !ok {
		return nil
	}
	if v.settings.PinFallbackMip {
		set.Add(v.fallback)
	}
	v.requests = set
	return nil
}

func (v *VirtualTexture) request() {
	for _, coord := range v.requests.Coords() {
		if v.atlas.Touch(coord, v.frame) {
			continue
		}
		v.sched.Submit(coord, v.frame)
	}
}

// Resize follows a change of the output surface size.
func (v *VirtualTexture) Resize(surfaceWidth, surfaceHeight uint32) error {
	if v.closed {
		return ErrClosed
	}
	return v.feedback.Resize(surfaceWidth, surfaceHeight)
}

// Resolve maps a virtual UV at the wanted mip to an atlas UV, falling back to
// the nearest resident coarser mip the way sampling does. It returns the tile
// actually used.
func (v *VirtualTexture) Resolve(uv mgl32.Vec2, mip uint8) (mgl32.Vec2, core.TileCoord, bool) {
	mip = min(mip, v.cfg.MaxMipLevel())
	var (
		got  core.TileCoord
		slot uint32
		ok   bool
	)
	// look each mip up from the texel; row-end tiles absorb remainders
	for m := mip; m <= v.cfg.MaxMipLevel() && !ok; m++ {
		c, err := v.cfg.TileAtUV(uv.X(), uv.Y(), m)
		if err != nil {
			return mgl32.Vec2{}, core.TileCoord{}, false
		}
		if s, hit := v.pages.Lookup(c); hit {
			got, slot, ok = c, s, true
		}
	}
	if !ok {
		return mgl32.Vec2{}, core.TileCoord{}, false
	}

	x0, y0, x1, y1 := v.cfg.TileBounds(got)
	texel := uv.Mul(float32(v.cfg.VirtualTextureSize))
	local := mgl32.Vec2{
		mgl32.Clamp((texel.X()-float32(x0))/float32(x1-x0), 0, 1),
		mgl32.Clamp((texel.Y()-float32(y0))/float32(y1-y0), 0, 1),
	}
	ox, oy := v.atlas.SlotOrigin(slot)
	phys := mgl32.Vec2{float32(ox), float32(oy)}.Add(local.Mul(float32(v.cfg.TileSize)))
	return phys.Mul(1 / float32(v.cfg.PhysicalTextureSize)), got, true
}

func (v *VirtualTexture) Stats() Stats {
	as := v.atlas.Stats()
	return Stats{
		Frame:     v.frame,
		Requested: v.requests.Len(),
		Resident:  v.pages.Resident(),
		Pinned:    as.Pinned,
		Jobs:      v.sched.Jobs(),
		InFlight:  v.sched.InFlight(),
		Queued:    v.sched.Queued(),
		Deferred:  len(v.deferred),
		Uploaded:  v.uploaded,
		Failed:    v.failed,
		Dropped:   v.dropped,
		Evictions: as.Evictions,
		Deferrals: as.Deferrals,
		Flushed:   v.pages.Flushed(),
	}
}

// Close releases GPU resources. Tile loads still running finish in the
// background and their results are discarded; Close does not wait for them.
func (v *VirtualTexture) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.sched.Close()
	v.deferred = nil
	v.feedback.Unregister(v.settings.FeedbackID)
	if v.ownsFeedback {
		v.feedback.Release()
	}
	v.atlas.Release()
	v.pages.Release()
	v.log.Infof("closed after %d frames", v.frame)
}

// Wait blocks until loads left running by Close have returned.
func (v *VirtualTexture) Wait() {
	v.sched.Wait()
}
