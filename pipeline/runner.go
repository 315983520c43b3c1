package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/getcharzp/go-vision-xr"
	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/capture"
	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

// Deps 帧循环依赖的外部组件
type Deps struct {
	Source   capture.Source     // 必需
	Model    Inferencer         // 必需
	Poses    PoseSource         // 必需
	Labels   LabelSink          // 必需
	Surfaces geometry.RayCaster // 为 nil 时所有中心点都视为未命中
	Frames   FrameSink          // (可选) 结果画面
	Drawer   *vision.TextDrawer // (可选) 结果画面上的类别文字
	Logger   *logrus.Logger     // (可选) 默认输出到 stderr
}

// FrameReport 单帧处理摘要
type FrameReport struct {
	Seq        uint64
	Detections int            // NMS 后的检测数
	Misses     int            // 射线未命中的检测数
	Spawned    []anchor.Label // 新增标签
	Removed    []anchor.Label // 被淘汰或过期的标签
}

// Runner 帧循环
type Runner struct {
	cfg    Config
	deps   Deps
	log    *logrus.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	anchor *anchor.Anchorer

	// 仅帧循环写入
	poses   *anchor.PosePool
	history *anchor.History

	enabled atomic.Bool
	latest  LatestFrame

	// 结果画面, 可被其他 goroutine 操作
	panelMu  sync.Mutex
	panelSeq uint64
	shown    []uint64 // 未固定的画面
	pinned   []uint64 // 已固定到网格的画面
	grid     *anchor.PanelGrid
}

// NewRunner 创建帧循环, 初始为启用状态
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	switch {
	case deps.Source == nil:
		return nil, errors.New("缺少画面来源")
	case deps.Model == nil:
		return nil, errors.New("缺少推理模型")
	case deps.Poses == nil:
		return nil, errors.New("缺少位姿来源")
	case deps.Labels == nil:
		return nil, errors.New("缺少标签显示端")
	}

	log := deps.Logger
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	input := float64(cfg.Model.InputSize)
	r := &Runner{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
		anchor: &anchor.Anchorer{
			Intrinsics:     cfg.intrinsics(),
			InputSize:      geometry.Size{W: input, H: input},
			RealSize:       cfg.realSize(),
			Surfaces:       deps.Surfaces,
			MaxRayDistance: cfg.MaxRayDistance,
			RayMask:        cfg.RayMask,
			PlaneDistance:  cfg.PlaneDistance,
			EyeOffset:      cfg.EyeOffset,
		},
		poses:   anchor.NewPosePool(cfg.MaxPoses),
		history: anchor.NewHistory(cfg.MaxLabels, cfg.MinSameObjectDistance, cfg.LabelMaxAge.Std()),
		grid:    anchor.DefaultPanelGrid(),
	}
	r.enabled.Store(true)
	return r, nil
}

// SetEnabled 开启或关闭检测
func (r *Runner) SetEnabled(on bool) { r.enabled.Store(on) }

// Toggle 切换检测开关, 返回切换后的状态
func (r *Runner) Toggle() bool {
	for {
		old := r.enabled.Load()
		if r.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Enabled 检测是否开启
func (r *Runner) Enabled() bool { return r.enabled.Load() }

// Latest 最近一帧的结果
func (r *Runner) Latest() (FrameResult, bool) { return r.latest.Load() }

// Run 运行帧循环直到 ctx 取消
//
// 单帧出错只记录日志并跳过该帧, 返回值总是 ctx.Err()
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"input":  r.cfg.Model.InputSize,
		"labels": r.cfg.Model.LabelSet.String(),
	}).Info("帧循环启动")
	defer r.log.Info("帧循环结束")

	// 第一张结果画面在启动一个间隔后生成
	lastPanel := r.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.enabled.Load() {
			if err := r.sleep(ctx, r.cfg.IdleInterval.Std()); err != nil {
				return err
			}
			continue
		}

		if _, err := r.ProcessFrame(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logFrameError(err)
			continue
		}

		if iv := r.cfg.PanelInterval.Std(); iv > 0 && r.deps.Frames != nil && r.now().Sub(lastPanel) >= iv {
			lastPanel = r.now()
			if _, err := r.SnapshotPanel(); err != nil {
				r.log.WithError(err).Warn("结果画面生成失败")
			}
		}
	}
}

func (r *Runner) logFrameError(err error) {
	entry := r.log.WithError(err)
	if errors.Is(err, yoloseg.ErrTensorShape) {
		entry.Warn("模型输出异常, 跳过该帧")
		return
	}
	entry.Error("处理帧失败, 跳过该帧")
}

// ProcessFrame 处理一帧, 不检查启用开关
func (r *Runner) ProcessFrame(ctx context.Context) (FrameReport, error) {
	// 位姿必须在读取画面之前冻结
	snap := r.poses.Capture(r.deps.Poses.Pose(), r.now())
	report := FrameReport{Seq: snap.Seq}

	img, err := r.deps.Source.Read(ctx)
	if err != nil {
		return report, fmt.Errorf("读取画面失败: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.StageDelay.Std()); err != nil {
		return report, err
	}

	input := yoloseg.Resize(img, r.cfg.Model.InputSize)
	if err := r.sleep(ctx, r.cfg.StageDelay.Std()); err != nil {
		return report, err
	}

	raw, mask, err := r.infer(ctx, input)
	if err != nil {
		return report, err
	}
	if err := yoloseg.CheckMask(mask, r.cfg.Model); err != nil {
		return report, err
	}

	dets, err := yoloseg.Decode(raw, r.cfg.Model)
	if err != nil {
		return report, err
	}
	dets = yoloseg.Suppress(dets, r.cfg.Model.IOUThreshold)
	report.Detections = len(dets)

	for _, l := range r.history.Expire(r.now()) {
		r.destroyLabel(l)
		report.Removed = append(report.Removed, l)
	}

	for _, d := range dets {
		spawned, removed, miss := r.place(d, snap)
		if miss {
			report.Misses++
		}
		if spawned != nil {
			report.Spawned = append(report.Spawned, *spawned)
		}
		report.Removed = append(report.Removed, removed...)
	}

	r.latest.Store(FrameResult{
		Seq:        snap.Seq,
		Image:      input,
		Detections: dets,
		Mask:       mask,
		Pose:       snap.Pose,
	})

	r.log.WithFields(logrus.Fields{
		"frame":      snap.Seq,
		"detections": len(dets),
		"spawned":    len(report.Spawned),
		"labels":     r.history.Len(),
	}).Debug("帧处理完成")
	return report, nil
}

// place 锚定单个检测并在需要时生成标签
func (r *Runner) place(d yoloseg.Detection, snap anchor.PoseSnapshot) (spawned *anchor.Label, removed []anchor.Label, miss bool) {
	pos, ok := r.anchor.Center(d, snap.Pose)
	if !ok {
		miss = true
		r.log.WithFields(logrus.Fields{
			"frame": snap.Seq,
			"class": d.ClassName,
		}).Debug("射线未命中场景表面")
		if r.cfg.DropGeometryMisses {
			return nil, nil, miss
		}
	}
	if r.history.Seen(d.ClassName, pos) {
		return nil, nil, miss
	}

	ev := LabelEvent{
		FrameSeq:   snap.Seq,
		ClassName:  d.ClassName,
		Confidence: d.ClassProbability,
		Position:   pos,
		Facing:     r.anchor.Facing(pos, snap.Pose),
		Corners:    r.anchor.Corners(d, snap.Pose),
	}
	handle, err := r.deps.Labels.SpawnLabel(ev)
	if err != nil {
		r.log.WithError(err).WithField("class", d.ClassName).Warn("生成标签失败")
		return nil, nil, miss
	}

	l, evicted, _ := r.history.Admit(anchor.Label{
		FrameSeq:   snap.Seq,
		ClassName:  ev.ClassName,
		Confidence: ev.Confidence,
		Position:   ev.Position,
		Corners:    ev.Corners,
		Facing:     ev.Facing,
		Handle:     handle,
		CreatedAt:  r.now(),
	})
	for _, old := range evicted {
		r.destroyLabel(old)
	}
	return &l, evicted, miss
}

func (r *Runner) destroyLabel(l anchor.Label) {
	if err := r.deps.Labels.DestroyLabel(l.Handle); err != nil {
		r.log.WithError(err).WithField("handle", l.Handle).Warn("销毁标签失败")
	}
}

type inferResult struct {
	raw  yoloseg.RawOutput
	mask yoloseg.MaskTensor
	err  error
}

// infer 在独立 goroutine 中推理, 按 PollInterval 轮询结果, ctx 取消时立即返回
func (r *Runner) infer(ctx context.Context, img image.Image) (yoloseg.RawOutput, yoloseg.MaskTensor, error) {
	done := make(chan inferResult, 1)
	go func() {
		raw, mask, err := r.deps.Model.Infer(ctx, img)
		done <- inferResult{raw: raw, mask: mask, err: err}
	}()

	ticker := time.NewTicker(r.cfg.PollInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return yoloseg.RawOutput{}, yoloseg.MaskTensor{}, ctx.Err()
		case <-ticker.C:
			select {
			case res := <-done:
				if res.err != nil {
					return res.raw, res.mask, fmt.Errorf("推理失败: %w", res.err)
				}
				return res.raw, res.mask, nil
			default:
			}
		}
	}
}

// Labels 当前显示的标签
//
// 只应在帧循环未运行或同一 goroutine 中调用
func (r *Runner) Labels() []anchor.Label { return r.history.Labels() }

// ClearLabels 销毁所有标签
//
// 只应在帧循环未运行时调用
func (r *Runner) ClearLabels() {
	for _, l := range r.history.Clear() {
		r.destroyLabel(l)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
