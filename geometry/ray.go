package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

const epsilon = 1e-9

// Ray 世界坐标系下的射线, Dir 为单位向量
type Ray struct {
	Origin r3.Vector
	Dir    r3.Vector
}

// NewRay 创建射线, 方向会被归一化
func NewRay(origin, dir r3.Vector) Ray {
	return Ray{Origin: origin, Dir: dir.Normalize()}
}

// At 射线上距离原点 t 处的点
func (r Ray) At(t float64) r3.Vector {
	return r.Origin.Add(r.Dir.Mul(t))
}

// Surface 可与射线求交的几何体
type Surface interface {
	// Intersect 返回交点到射线原点的距离, maxDistance <= 0 表示不限距离
	Intersect(ray Ray, maxDistance float64) (float64, bool)
}

// Plane 无限平面
type Plane struct {
	Point  r3.Vector
	Normal r3.Vector
}

// Intersect 射线与平面求交, 平行或交点在射线背后视为未命中
func (p Plane) Intersect(ray Ray, maxDistance float64) (float64, bool) {
	denom := p.Normal.Dot(ray.Dir)
	if math.Abs(denom) < epsilon {
		return 0, false
	}
	t := p.Point.Sub(ray.Origin).Dot(p.Normal) / denom
	return t, inRange(t, maxDistance)
}

// Triangle 三角面片
type Triangle struct {
	A, B, C r3.Vector
}

// Intersect Möller–Trumbore 射线三角形求交
func (tr Triangle) Intersect(ray Ray, maxDistance float64) (float64, bool) {
	e1 := tr.B.Sub(tr.A)
	e2 := tr.C.Sub(tr.A)
	h := ray.Dir.Cross(e2)
	det := e1.Dot(h)
	if math.Abs(det) < epsilon {
		return 0, false
	}
	inv := 1 / det
	s := ray.Origin.Sub(tr.A)
	u := inv * s.Dot(h)
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := inv * ray.Dir.Dot(q)
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := inv * e2.Dot(q)
	return t, inRange(t, maxDistance)
}

// Mesh 三角网格, 如头显重建的环境网格
type Mesh []Triangle

// Intersect 返回最近的三角形交点
func (m Mesh) Intersect(ray Ray, maxDistance float64) (float64, bool) {
	best, found := 0.0, false
	for _, tr := range m {
		if t, ok := tr.Intersect(ray, maxDistance); ok && (!found || t < best) {
			best, found = t, true
		}
	}
	return best, found
}

// Quad 由四个角点 (首尾相接) 构成的四边形网格
func Quad(a, b, c, d r3.Vector) Mesh {
	return Mesh{{A: a, B: b, C: c}, {A: a, B: c, C: d}}
}

func inRange(t, maxDistance float64) bool {
	if t < epsilon {
		return false
	}
	return maxDistance <= 0 || t <= maxDistance
}
