// Package anchor 将图像空间的检测结果放置到三维世界中, 并维护已放置标签的历史.
//
// 每一帧使用采集时冻结的相机位姿快照; 标签中心通过射线与重建表面求交,
// 检测框四个角点投影到相机前方固定距离的虚拟平面上, 保证矩形不因表面起伏而变形.
package anchor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

// cornerInset 角点向内收缩的像素, 避免投影到图像边界之外
const cornerInset = 1.0

// Anchorer 空间锚定参数
type Anchorer struct {
	Intrinsics geometry.Intrinsics
	InputSize  geometry.Size // 模型输入尺寸
	RealSize   geometry.Size // 相机真实分辨率, 与 Intrinsics 对应

	Surfaces       geometry.RayCaster // 场景表面查询, 为 nil 时中心点总是未命中
	MaxRayDistance float64            // 射线最大长度, <= 0 表示不限
	RayMask        geometry.LayerMask // 射线接受的表面层

	PlaneDistance float64 // 角点虚拟平面距离
	EyeOffset     float64 // 相机与人眼的竖直偏移
}

// ToRealImage 将模型输入尺度的坐标换算到真实图像分辨率
func (a *Anchorer) ToRealImage(x, y float64) (float64, float64) {
	return x / a.InputSize.W * a.RealSize.W, y / a.InputSize.H * a.RealSize.H
}

// Ray 检测中心对应的世界坐标射线
func (a *Anchorer) Ray(d yoloseg.Detection, pose geometry.Pose) geometry.Ray {
	x, y := a.ToRealImage(float64(d.X), float64(d.Y))
	dir := geometry.ToWorld(geometry.Unproject(x, y, a.RealSize, a.Intrinsics), pose)
	return geometry.NewRay(pose.Position, dir)
}

// Center 检测中心在场景表面上的落点
//
// 未命中时返回 (geometry.Origin, false), 由调用方决定是否显示该标签
func (a *Anchorer) Center(d yoloseg.Detection, pose geometry.Pose) (r3.Vector, bool) {
	if a.Surfaces == nil {
		return geometry.Origin, false
	}
	ray := a.Ray(d, pose)
	hit, ok := a.Surfaces.CastRay(ray.Origin, ray.Dir, a.MaxRayDistance, a.RayMask)
	if !ok {
		return geometry.Origin, false
	}
	return hit.Point, true
}

// Corners 检测框四个角点 (左上, 右上, 右下, 左下) 在虚拟平面上的位置
func (a *Anchorer) Corners(d yoloseg.Detection, pose geometry.Pose) [4]r3.Vector {
	cx, cy := float64(d.X), float64(d.Y)
	hw := float64(d.Width)/2 - cornerInset
	hh := float64(d.Height)/2 - cornerInset

	pts := [4][2]float64{
		{cx - hw, cy - hh}, // TopLeft
		{cx + hw, cy - hh}, // TopRight
		{cx + hw, cy + hh}, // BottomRight
		{cx - hw, cy + hh}, // BottomLeft
	}

	var corners [4]r3.Vector
	for i, p := range pts {
		x, y := a.ToRealImage(p[0], p[1])
		xn, yn := geometry.NormalizedImagePoint(x, y, a.RealSize, a.Intrinsics)
		corners[i] = geometry.ProjectToPlane(xn, yn, a.PlaneDistance, a.EyeOffset, pose)
	}
	return corners
}

// Facing 标签朝向相机的旋转提示
func (a *Anchorer) Facing(position r3.Vector, pose geometry.Pose) quat.Number {
	return geometry.FacingCamera(position, pose)
}
