package anchor

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Label 已放置并正在显示的标签
type Label struct {
	Seq        uint64
	FrameSeq   uint64 // 产生该标签的帧
	ClassName  string
	Confidence float32
	Position   r3.Vector
	Corners    [4]r3.Vector // 检测框矩形 (左上, 右上, 右下, 左下)
	Facing     quat.Number
	Handle     string // 显示端返回的句柄
	CreatedAt  time.Time
}

// IsNew 候选是否为新目标
//
// 按从旧到新的顺序扫描, 遇到同类别且距离小于 minDistance 的标签即判定为重复
func IsNew(className string, pos r3.Vector, history []Label, minDistance float64) bool {
	for _, l := range history {
		if l.ClassName == className && l.Position.Distance(pos) < minDistance {
			return false
		}
	}
	return true
}

// History 有界的标签历史, 只允许帧循环单线程写入
type History struct {
	labels      *ring[Label]
	minDistance float64
	maxAge      time.Duration
	nextSeq     uint64
}

// NewHistory 创建标签历史
//
// # Params:
//
//	capacity: 最大保留数量, 小于 1 时按 1 处理
//	minDistance: 同类别标签的最小间距
//	maxAge: 标签最长保留时间, 0 表示只按容量淘汰
func NewHistory(capacity int, minDistance float64, maxAge time.Duration) *History {
	return &History{
		labels:      newRing[Label](capacity),
		minDistance: minDistance,
		maxAge:      maxAge,
	}
}

// Len 当前标签数量
func (h *History) Len() int { return h.labels.Len() }

// Cap 最大保留数量
func (h *History) Cap() int { return h.labels.Cap() }

// Labels 从旧到新的标签副本
func (h *History) Labels() []Label { return h.labels.Slice() }

// Seen 是否已存在同类别且足够近的标签
func (h *History) Seen(className string, pos r3.Vector) bool {
	return !IsNew(className, pos, h.labels.Slice(), h.minDistance)
}

// Admit 新目标加入历史, 返回是否加入以及被淘汰的旧标签
//
// 重复目标不会加入; 被淘汰的标签需由调用方销毁对应的显示资源
func (h *History) Admit(l Label) (Label, []Label, bool) {
	if h.Seen(l.ClassName, l.Position) {
		return Label{}, nil, false
	}
	h.nextSeq++
	l.Seq = h.nextSeq

	var evicted []Label
	if old, ok := h.labels.Push(l); ok {
		evicted = append(evicted, old)
	}
	return l, evicted, true
}

// Expire 淘汰超过 maxAge 的标签
func (h *History) Expire(now time.Time) []Label {
	if h.maxAge <= 0 {
		return nil
	}
	var expired []Label
	for h.labels.Len() > 0 && now.Sub(h.labels.At(0).CreatedAt) > h.maxAge {
		l, _ := h.labels.PopFront()
		expired = append(expired, l)
	}
	return expired
}

// Clear 清空历史, 返回所有标签
func (h *History) Clear() []Label {
	all := h.labels.Slice()
	for h.labels.Len() > 0 {
		h.labels.PopFront()
	}
	return all
}
