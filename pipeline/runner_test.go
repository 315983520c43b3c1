package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/capture"
	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

const numCoeffs = 32

// box 模型输入坐标下的一个候选框
type box struct {
	x, y, w, h float32
	class      int
	score      float32
}

// makeRaw 构造 fivedamages 模型的检测输出
func makeRaw(boxes ...box) yoloseg.RawOutput {
	numClasses := yoloseg.LabelSetFiveDamages.Len()
	attrs := 4 + numClasses + numCoeffs
	n := len(boxes)
	data := make([]float32, attrs*n)
	for i, b := range boxes {
		data[0*n+i] = b.x
		data[1*n+i] = b.y
		data[2*n+i] = b.w
		data[3*n+i] = b.h
		data[(4+b.class)*n+i] = b.score
	}
	return yoloseg.RawOutput{Data: data, Shape: []int64{1, int64(attrs), int64(n)}}
}

func emptyMask() yoloseg.MaskTensor {
	return yoloseg.MaskTensor{Data: make([]float32, numCoeffs*8*8), Channels: numCoeffs, Height: 8, Width: 8}
}

// fakeModel 按调用顺序返回预设输出, 最后一个输出重复使用
type fakeModel struct {
	mu      sync.Mutex
	outputs []yoloseg.RawOutput
	calls   int
	err     error
	onInfer func()
	block   bool
	mask    *yoloseg.MaskTensor // 为 nil 时返回 emptyMask
}

func (m *fakeModel) Infer(ctx context.Context, _ image.Image) (yoloseg.RawOutput, yoloseg.MaskTensor, error) {
	m.mu.Lock()
	i := min(m.calls, len(m.outputs)-1)
	m.calls++
	onInfer, block, err := m.onInfer, m.block, m.err
	mask := emptyMask()
	if m.mask != nil {
		mask = *m.mask
	}
	m.mu.Unlock()

	if onInfer != nil {
		onInfer()
	}
	if block {
		<-ctx.Done()
		return yoloseg.RawOutput{}, yoloseg.MaskTensor{}, ctx.Err()
	}
	if err != nil {
		return yoloseg.RawOutput{}, yoloseg.MaskTensor{}, err
	}
	if i < 0 {
		return makeRaw(), mask, nil
	}
	return m.outputs[i], mask, nil
}

// fakeLabels 记录标签的生成与销毁
type fakeLabels struct {
	mu        sync.Mutex
	spawned   []LabelEvent
	handles   []string
	destroyed []string
	failNext  int
	notify    chan struct{}
}

func (s *fakeLabels) SpawnLabel(ev LabelEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return "", errors.New("显示端不可用")
	}
	s.spawned = append(s.spawned, ev)
	h := fmt.Sprintf("h%d", len(s.spawned))
	s.handles = append(s.handles, h)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return h, nil
}

func (s *fakeLabels) DestroyLabel(handle string) error {
	s.mu.Lock()
	s.destroyed = append(s.destroyed, handle)
	s.mu.Unlock()
	return nil
}

func (s *fakeLabels) events() []LabelEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LabelEvent(nil), s.spawned...)
}

// fakeFrames 记录结果画面操作, err 不为 nil 时 Move/Destroy 失败
type fakeFrames struct {
	mu        sync.Mutex
	shown     []Panel
	moved     map[uint64]anchor.PanelPlacement
	destroyed []uint64
	err       error
}

func (f *fakeFrames) ShowPanel(p Panel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, p)
	return nil
}

func (f *fakeFrames) MovePanel(seq uint64, placement anchor.PanelPlacement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.moved == nil {
		f.moved = map[uint64]anchor.PanelPlacement{}
	}
	f.moved[seq] = placement
	return nil
}

func (f *fakeFrames) DestroyPanel(seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.destroyed = append(f.destroyed, seq)
	return nil
}

// countingSource 统计读取次数
type countingSource struct {
	capture.Source
	reads atomic.Int64
}

func (c *countingSource) Read(ctx context.Context) (image.Image, error) {
	c.reads.Add(1)
	return c.Source.Read(ctx)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StageDelay = 0
	cfg.PollInterval = Duration(time.Millisecond)
	cfg.IdleInterval = Duration(time.Millisecond)
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// wallAhead 相机前方 distance 处的空间网格
func wallAhead(pose geometry.Pose, distance float64) *geometry.Scene {
	scene := &geometry.Scene{}
	scene.Add(geometry.Plane{
		Point:  pose.Position.Add(pose.Forward().Mul(distance)),
		Normal: pose.Forward().Mul(-1),
	}, geometry.LayerSpatialMesh)
	return scene
}

type harness struct {
	runner *Runner
	model  *fakeModel
	labels *fakeLabels
	frames *fakeFrames
	source *countingSource
}

func newHarness(t *testing.T, cfg Config, pose geometry.Pose, outputs ...yoloseg.RawOutput) *harness {
	t.Helper()
	h := &harness{
		model:  &fakeModel{outputs: outputs},
		labels: &fakeLabels{},
		frames: &fakeFrames{},
		source: &countingSource{Source: capture.NewStaticSource(true, image.NewRGBA(image.Rect(0, 0, 64, 36)))},
	}
	r, err := NewRunner(cfg, Deps{
		Source:   h.source,
		Model:    h.model,
		Poses:    StaticPose(pose),
		Labels:   h.labels,
		Surfaces: wallAhead(pose, 1),
		Frames:   h.frames,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	h.runner = r
	return h
}

func assertVec(t *testing.T, want, got r3.Vector, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "X")
	assert.InDelta(t, want.Y, got.Y, delta, "Y")
	assert.InDelta(t, want.Z, got.Z, delta, "Z")
}

func TestProcessFrame_AnchorsCenterOnSurface(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{X: 0.5, Y: 1.6, Z: -1}, geometry.AxisAngle(geometry.AxisUp, math.Pi/6))
	h := newHarness(t, testConfig(), pose, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5}))

	report, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Seq)
	assert.Equal(t, 1, report.Detections)
	assert.Zero(t, report.Misses)
	require.Len(t, report.Spawned, 1)

	evs := h.labels.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "crack", evs[0].ClassName)
	assert.InDelta(t, 0.5, evs[0].Confidence, 1e-6)
	assertVec(t, pose.Position.Add(pose.Forward()), evs[0].Position, 1e-4)
	assert.Equal(t, "h1", report.Spawned[0].Handle)

	// 角点在 1m 虚拟平面上并围绕中心
	var sum r3.Vector
	for _, c := range evs[0].Corners {
		sum = sum.Add(c)
	}
	wantCenter := pose.Position.Add(pose.Forward()).Sub(pose.Up().Mul(0.08))
	assertVec(t, wantCenter, sum.Mul(0.25), 1e-9)

	res, ok := h.runner.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(1), res.Seq)
	assert.Len(t, res.Detections, 1)
	assert.Equal(t, image.Rect(0, 0, 320, 320), res.Image.Bounds())
}

func TestProcessFrame_DeduplicatesAcrossFrames(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 1, score: 0.8}))

	for i := 0; i < 3; i++ {
		_, err := h.runner.ProcessFrame(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, h.labels.events(), 1)
	assert.Equal(t, 1, len(h.runner.Labels()))
}

func TestProcessFrame_SameObjectTwiceInOneFrame(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	// 两个框互不重叠, 落点相距约 4cm
	h := newHarness(t, testConfig(), pose, makeRaw(
		box{x: 160, y: 160, w: 4, h: 4, class: 0, score: 0.9},
		box{x: 170, y: 160, w: 4, h: 4, class: 0, score: 0.8},
		box{x: 165, y: 160, w: 4, h: 4, class: 2, score: 0.7},
	))

	report, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Detections)

	evs := h.labels.events()
	require.Len(t, evs, 2)
	assert.Equal(t, "crack", evs[0].ClassName)
	assert.InDelta(t, 0.9, evs[0].Confidence, 1e-6)
	assert.Equal(t, "rust", evs[1].ClassName)
}

func TestProcessFrame_EvictsOldestLabel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLabels = 2
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, cfg, pose, makeRaw(
		box{x: 60, y: 160, w: 10, h: 10, class: 0, score: 0.9},
		box{x: 160, y: 160, w: 10, h: 10, class: 0, score: 0.9},
		box{x: 260, y: 160, w: 10, h: 10, class: 0, score: 0.9},
	))

	report, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Spawned, 3)
	require.Len(t, report.Removed, 1)
	assert.Equal(t, "h1", report.Removed[0].Handle)
	assert.Equal(t, []string{"h1"}, h.labels.destroyed)

	labels := h.runner.Labels()
	require.Len(t, labels, 2)
	assert.Equal(t, "h2", labels[0].Handle)
	assert.Equal(t, "h3", labels[1].Handle)
}

func TestProcessFrame_GeometryMiss(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	raw := makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5})

	t.Run("dropped", func(t *testing.T) {
		h := newHarness(t, testConfig(), pose, raw)
		h.runner.anchor.Surfaces = nil

		report, err := h.runner.ProcessFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Misses)
		assert.Empty(t, h.labels.events())
	})

	t.Run("kept at origin", func(t *testing.T) {
		cfg := testConfig()
		cfg.DropGeometryMisses = false
		h := newHarness(t, cfg, pose, raw)
		h.runner.anchor.Surfaces = &geometry.Scene{}

		report, err := h.runner.ProcessFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Misses)
		evs := h.labels.events()
		require.Len(t, evs, 1)
		assert.Equal(t, geometry.Origin, evs[0].Position)
	})
}

func TestProcessFrame_MalformedTensorSkipsFrame(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	bad := yoloseg.RawOutput{Data: make([]float32, 10*3), Shape: []int64{1, 10, 3}}
	h := newHarness(t, testConfig(), pose, bad)

	_, err := h.runner.ProcessFrame(context.Background())
	assert.ErrorIs(t, err, yoloseg.ErrTensorShape)
	assert.Empty(t, h.labels.events())
	_, ok := h.runner.Latest()
	assert.False(t, ok)
}

func TestProcessFrame_MaskShapeSkipsFrame(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	for name, mask := range map[string]yoloseg.MaskTensor{
		"channels":   {Data: make([]float32, 16*8*8), Channels: 16, Height: 8, Width: 8},
		"zero value": {},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testConfig(), pose, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5}))
			h.model.mask = &mask

			report, err := h.runner.ProcessFrame(context.Background())
			assert.ErrorIs(t, err, yoloseg.ErrTensorShape)
			assert.Empty(t, report.Spawned)
			assert.Empty(t, h.labels.events())
			assert.Zero(t, h.runner.history.Len())
			_, ok := h.runner.Latest()
			assert.False(t, ok)
		})
	}
}

func TestProcessFrame_InferenceError(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose)
	h.model.err = errors.New("session closed")

	_, err := h.runner.ProcessFrame(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session closed")
}

func TestProcessFrame_FailedSpawnNotRemembered(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 3, score: 0.6}))
	h.labels.failNext = 1

	_, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.runner.Labels())

	_, err = h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	require.Len(t, h.labels.events(), 1)
	assert.Equal(t, "efflorescence", h.labels.events()[0].ClassName)
}

func TestProcessFrame_UsesPoseCapturedForFrame(t *testing.T) {
	start := geometry.NewPose(r3.Vector{}, geometry.Identity())
	moved := geometry.NewPose(r3.Vector{X: 5}, geometry.AxisAngle(geometry.AxisUp, math.Pi/2))

	var mu sync.Mutex
	current := start
	h := newHarness(t, testConfig(), start, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5}))
	h.runner.deps.Poses = PoseFunc(func() geometry.Pose {
		mu.Lock()
		defer mu.Unlock()
		return current
	})
	// 推理期间头显移动
	h.model.onInfer = func() {
		mu.Lock()
		current = moved
		mu.Unlock()
	}

	_, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	evs := h.labels.events()
	require.Len(t, evs, 1)
	assertVec(t, r3.Vector{Z: 1}, evs[0].Position, 1e-4)

	res, _ := h.runner.Latest()
	assert.Equal(t, start.Position, res.Pose.Position)
}

func TestProcessFrame_ExpiresOldLabels(t *testing.T) {
	cfg := testConfig()
	cfg.LabelMaxAge = Duration(time.Second)
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, cfg, pose,
		makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5}),
		makeRaw(),
	)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.runner.now = func() time.Time { return clock }

	_, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	require.Len(t, h.runner.Labels(), 1)

	clock = clock.Add(2 * time.Second)
	report, err := h.runner.ProcessFrame(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Removed, 1)
	assert.Empty(t, h.runner.Labels())
	assert.Equal(t, []string{"h1"}, h.labels.destroyed)
}

func TestProcessFrame_CancelDuringInference(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose)
	h.model.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.runner.ProcessFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_StopsOnCancel(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose, makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 0, score: 0.5}))
	h.labels.notify = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()

	select {
	case <-h.labels.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("label was not spawned")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, h.labels.events(), 1)
}

func TestRun_SkipsBadFrames(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	bad := yoloseg.RawOutput{Shape: []int64{1, 2}}
	good := makeRaw(box{x: 160, y: 160, w: 20, h: 20, class: 4, score: 0.5})
	h := newHarness(t, testConfig(), pose, bad, good)
	h.labels.notify = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	select {
	case <-h.labels.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not recover from bad frame")
	}
	assert.Equal(t, "exposedrebars", h.labels.events()[0].ClassName)
}

func TestRun_ShowsPanelsPeriodically(t *testing.T) {
	cfg := testConfig()
	cfg.PanelInterval = Duration(5 * time.Millisecond)
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, cfg, pose, makeRaw())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.frames.mu.Lock()
		defer h.frames.mu.Unlock()
		return len(h.frames.shown) >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_DisabledDoesNotCapture(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	h := newHarness(t, testConfig(), pose, makeRaw())
	h.runner.SetEnabled(false)
	assert.False(t, h.runner.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := h.runner.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.source.reads.Load())

	assert.True(t, h.runner.Toggle())
	assert.True(t, h.runner.Enabled())
	assert.False(t, h.runner.Toggle())
}

func TestNewRunner_RequiresDeps(t *testing.T) {
	_, err := NewRunner(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxLabels = 0
	_, err = NewRunner(cfg, Deps{
		Source: capture.NewStaticSource(false),
		Model:  &fakeModel{},
		Poses:  StaticPose(geometry.NewPose(r3.Vector{}, geometry.Identity())),
		Labels: &fakeLabels{},
	})
	assert.Error(t, err)
}

func TestLatestFrame(t *testing.T) {
	var l LatestFrame
	_, ok := l.Load()
	assert.False(t, ok)

	l.Store(FrameResult{Seq: 7})
	res, ok := l.Load()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), res.Seq)
}
