package geometry

import "github.com/golang/geo/r3"

// Layer 表面所属的层, 取值 0-31
type Layer uint8

// LayerMask 射线检测时接受的层集合
type LayerMask uint32

// AllLayers 接受所有层
const AllLayers LayerMask = ^LayerMask(0)

// 常用层
const (
	LayerDefault     Layer = 0
	LayerSpatialMesh Layer = 31
)

// MaskOf 由若干层构造掩码
func MaskOf(layers ...Layer) LayerMask {
	var m LayerMask
	for _, l := range layers {
		m |= 1 << l
	}
	return m
}

// Contains 掩码是否包含某层
func (m LayerMask) Contains(l Layer) bool {
	return m&(1<<l) != 0
}

// Hit 射线检测结果
type Hit struct {
	Point    r3.Vector
	Distance float64
	Layer    Layer
}

// RayCaster 场景表面查询服务
type RayCaster interface {
	CastRay(origin, dir r3.Vector, maxDistance float64, mask LayerMask) (Hit, bool)
}

type layeredSurface struct {
	surface Surface
	layer   Layer
}

// Scene 重建得到的场景表面集合, 实现 RayCaster
type Scene struct {
	surfaces []layeredSurface
}

// Add 添加表面
func (s *Scene) Add(surface Surface, layer Layer) {
	s.surfaces = append(s.surfaces, layeredSurface{surface: surface, layer: layer})
}

// Len 表面数量
func (s *Scene) Len() int { return len(s.surfaces) }

// CastRay 返回 mask 内所有表面中距离最近的交点
//
// # Params:
//
//	origin: 射线原点
//	dir: 射线方向, 不要求归一化
//	maxDistance: 最大检测距离, <= 0 表示不限
//	mask: 接受的层
func (s *Scene) CastRay(origin, dir r3.Vector, maxDistance float64, mask LayerMask) (Hit, bool) {
	if dir.Norm2() == 0 {
		return Hit{Point: Origin}, false
	}
	ray := NewRay(origin, dir)

	var best Hit
	found := false
	for _, ls := range s.surfaces {
		if !mask.Contains(ls.layer) {
			continue
		}
		t, ok := ls.surface.Intersect(ray, maxDistance)
		if !ok || (found && t >= best.Distance) {
			continue
		}
		best = Hit{Point: ray.At(t), Distance: t, Layer: ls.layer}
		found = true
	}
	if !found {
		return Hit{Point: Origin}, false
	}
	return best, true
}
