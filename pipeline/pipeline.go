// Package pipeline 驱动检测到空间标签的帧循环.
//
// 每一帧依次完成: 冻结位姿, 读取画面, 缩放, 推理, 解析, NMS, 空间锚定, 去重,
// 然后通知标签显示端. 帧严格按采集顺序处理, 位姿池与标签历史只由帧循环写入.
package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

// Inferencer 模型前向推理, 输入图像, 输出检测张量与 Mask 原型
type Inferencer interface {
	Infer(ctx context.Context, img image.Image) (yoloseg.RawOutput, yoloseg.MaskTensor, error)
}

// PoseSource 当前相机位姿
type PoseSource interface {
	Pose() geometry.Pose
}

// PoseFunc 将函数适配为 PoseSource
type PoseFunc func() geometry.Pose

// Pose 实现 PoseSource
func (f PoseFunc) Pose() geometry.Pose { return f() }

// StaticPose 固定不动的相机
type StaticPose geometry.Pose

// Pose 实现 PoseSource
func (p StaticPose) Pose() geometry.Pose { return geometry.Pose(p) }

// LabelEvent 新标签
type LabelEvent struct {
	FrameSeq   uint64       `json:"frame"`
	ClassName  string       `json:"class"`
	Confidence float32      `json:"confidence"`
	Position   r3.Vector    `json:"position"`
	Facing     quat.Number  `json:"facing"`
	Corners    [4]r3.Vector `json:"corners"` // 左上, 右上, 右下, 左下
}

// LabelSink 标签显示端
type LabelSink interface {
	// SpawnLabel 显示标签与检测框, 返回用于销毁的句柄
	SpawnLabel(ev LabelEvent) (string, error)
	DestroyLabel(handle string) error
}

// Panel 结果画面
type Panel struct {
	Seq       uint64
	FrameSeq  uint64
	Image     image.Image
	Placement anchor.PanelPlacement
}

// FrameSink 结果画面显示端
type FrameSink interface {
	ShowPanel(p Panel) error
	MovePanel(seq uint64, placement anchor.PanelPlacement) error
	DestroyPanel(seq uint64) error
}

// FrameResult 一帧的处理结果, 供结果画面按需合成
type FrameResult struct {
	Seq        uint64
	Image      image.Image // 模型输入尺寸
	Detections []yoloseg.Detection
	Mask       yoloseg.MaskTensor
	Pose       geometry.Pose
}

// LatestFrame 最近一帧的结果, 帧循环写入, 其他 goroutine 读取
type LatestFrame struct {
	mu     sync.Mutex
	result FrameResult
	ok     bool
}

// Store 替换为新结果
func (l *LatestFrame) Store(r FrameResult) {
	l.mu.Lock()
	l.result, l.ok = r, true
	l.mu.Unlock()
}

// Load 读取最近结果, 尚无结果时 ok 为 false
func (l *LatestFrame) Load() (FrameResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result, l.ok
}
