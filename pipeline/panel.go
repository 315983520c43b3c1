package pipeline

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

var (
	// ErrNoFrame 尚未处理过任何帧
	ErrNoFrame = errors.New("尚无可用的帧结果")
	// ErrNoFrameSink 未配置结果画面显示端
	ErrNoFrameSink = errors.New("未配置结果画面显示端")
)

// RenderFrame 将检测结果的 Mask 叠加到帧画面上, 可选绘制检测框与类别
func (r *Runner) RenderFrame(res FrameResult) (image.Image, error) {
	inputSize := image.Pt(r.cfg.Model.InputSize, r.cfg.Model.InputSize)
	out, err := yoloseg.CompositeMask(res.Image, inputSize, res.Detections, res.Mask, r.cfg.Model.MaskThreshold)
	if err != nil {
		return nil, fmt.Errorf("合成 Mask 失败: %w", err)
	}
	if !r.cfg.DrawBoxes {
		return out, nil
	}
	rgba := yoloseg.ToRGBA(out)
	yoloseg.DrawBoxes(rgba, inputSize, res.Detections, r.deps.Drawer)
	return rgba, nil
}

// SnapshotPanel 用最近一帧生成结果画面, 摆放在该帧相机前方
func (r *Runner) SnapshotPanel() (Panel, error) {
	if r.deps.Frames == nil {
		return Panel{}, ErrNoFrameSink
	}
	res, ok := r.latest.Load()
	if !ok {
		return Panel{}, ErrNoFrame
	}
	img, err := r.RenderFrame(res)
	if err != nil {
		return Panel{}, err
	}

	r.panelMu.Lock()
	r.panelSeq++
	p := Panel{
		Seq:       r.panelSeq,
		FrameSeq:  res.Seq,
		Image:     img,
		Placement: anchor.PlacePanel(res.Pose, r.cfg.PanelDistance, r.cfg.EyeOffset, r.cfg.HFOVDegrees, r.cfg.realSize()),
	}
	r.shown = append(r.shown, p.Seq)
	r.panelMu.Unlock()

	if err := r.deps.Frames.ShowPanel(p); err != nil {
		r.panelMu.Lock()
		r.shown = removeSeq(r.shown, p.Seq)
		r.panelMu.Unlock()
		return Panel{}, fmt.Errorf("显示结果画面失败: %w", err)
	}
	r.log.WithFields(logrus.Fields{"panel": p.Seq, "frame": res.Seq}).Debug("结果画面已显示")
	return p, nil
}

// PinLastPanel 将最近显示的画面缩小后固定到网格中, 显示端失败时状态不变
func (r *Runner) PinLastPanel() (uint64, error) {
	if r.deps.Frames == nil {
		return 0, ErrNoFrameSink
	}
	r.panelMu.Lock()
	defer r.panelMu.Unlock()

	if len(r.shown) == 0 {
		return 0, errors.New("没有可固定的结果画面")
	}
	seq := r.shown[len(r.shown)-1]
	placement := r.grid.Next()
	if err := r.deps.Frames.MovePanel(seq, placement); err != nil {
		r.grid.Release()
		return seq, fmt.Errorf("固定结果画面失败: %w", err)
	}
	r.shown = r.shown[:len(r.shown)-1]
	r.pinned = append(r.pinned, seq)
	return seq, nil
}

// DropLastPanel 销毁最近的画面, 优先销毁未固定的
func (r *Runner) DropLastPanel() (uint64, error) {
	if r.deps.Frames == nil {
		return 0, ErrNoFrameSink
	}
	r.panelMu.Lock()
	defer r.panelMu.Unlock()

	list := &r.shown
	if len(r.shown) == 0 {
		list = &r.pinned
	}
	if len(*list) == 0 {
		return 0, errors.New("没有可销毁的结果画面")
	}
	seq := (*list)[len(*list)-1]
	if err := r.deps.Frames.DestroyPanel(seq); err != nil {
		return seq, fmt.Errorf("销毁结果画面失败: %w", err)
	}
	*list = (*list)[:len(*list)-1]
	return seq, nil
}

func removeSeq(seqs []uint64, seq uint64) []uint64 {
	for i, s := range seqs {
		if s == seq {
			return append(seqs[:i], seqs[i+1:]...)
		}
	}
	return seqs
}
