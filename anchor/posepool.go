package anchor

import (
	"time"

	"github.com/getcharzp/go-vision-xr/geometry"
)

// PoseSnapshot 某一帧采集时的相机位姿
type PoseSnapshot struct {
	Seq        uint64
	Pose       geometry.Pose
	CapturedAt time.Time
}

// PosePool 有界的位姿快照池, 保证处理中的帧始终使用自己的位姿
type PosePool struct {
	snapshots *ring[PoseSnapshot]
	nextSeq   uint64
}

// NewPosePool 创建位姿池
func NewPosePool(capacity int) *PosePool {
	return &PosePool{snapshots: newRing[PoseSnapshot](capacity)}
}

// Capture 冻结当前位姿
func (p *PosePool) Capture(pose geometry.Pose, at time.Time) PoseSnapshot {
	p.nextSeq++
	s := PoseSnapshot{Seq: p.nextSeq, Pose: pose, CapturedAt: at}
	p.snapshots.Push(s)
	return s
}

// Get 按帧序号查找仍在池中的快照
func (p *PosePool) Get(seq uint64) (PoseSnapshot, bool) {
	for i := p.snapshots.Len() - 1; i >= 0; i-- {
		if s := p.snapshots.At(i); s.Seq == seq {
			return s, true
		}
	}
	return PoseSnapshot{}, false
}

// Latest 最近一次快照
func (p *PosePool) Latest() (PoseSnapshot, bool) {
	if p.snapshots.Len() == 0 {
		return PoseSnapshot{}, false
	}
	return p.snapshots.At(p.snapshots.Len() - 1), true
}

// Len 池中快照数量
func (p *PosePool) Len() int { return p.snapshots.Len() }
