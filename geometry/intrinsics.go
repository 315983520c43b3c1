package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// Size 图像尺寸 (像素)
type Size struct {
	W, H float64
}

// Intrinsics 针孔相机内参
type Intrinsics struct {
	Fx, Fy float64 // 焦距 (像素)
	Cx, Cy float64 // 主点 (像素)
}

// NewVirtualIntrinsics 由真实分辨率与水平视场角推导虚拟内参
//
// # Params:
//
//	width, height: 相机真实分辨率
//	hfovDeg: 水平视场角 (度)
func NewVirtualIntrinsics(width, height int, hfovDeg float64) Intrinsics {
	fv := (float64(width) / 2) / math.Tan(hfovDeg*0.5*math.Pi/180)
	return Intrinsics{
		Fx: fv,
		Fy: fv,
		Cx: float64(width) / 2,
		Cy: float64(height) / 2,
	}
}

// NormalizedImagePoint 像素坐标归一化到焦距为 1 的成像平面
//
// 图像行坐标向下递增而相机 y 轴向上, 因此先翻转 y' = H - y
func NormalizedImagePoint(x, y float64, size Size, in Intrinsics) (xn, yn float64) {
	yf := size.H - y
	return (x - in.Cx) / in.Fx, (yf - in.Cy) / in.Fy
}

// Unproject 像素坐标反投影为相机坐标系下的单位射线方向
func Unproject(x, y float64, size Size, in Intrinsics) r3.Vector {
	xn, yn := NormalizedImagePoint(x, y, size, in)
	return r3.Vector{X: xn, Y: yn, Z: 1}.Normalize()
}

// ToWorld 将相机坐标系下的方向变换到世界坐标系 (只旋转, 不平移)
func ToWorld(dir r3.Vector, pose Pose) r3.Vector {
	return Rotate(pose.Rotation, dir)
}

// ProjectToPlane 将归一化成像平面坐标放到相机前方 distance 处的虚拟平面上
//
// # Params:
//
//	xn, yn: 归一化坐标 (见 NormalizedImagePoint)
//	distance: 虚拟平面与相机的距离
//	eyeOffset: 相机与人眼的竖直偏移, 沿 up 轴向下修正
//	pose: 该帧的相机位姿
func ProjectToPlane(xn, yn, distance, eyeOffset float64, pose Pose) r3.Vector {
	lateral := pose.Forward().
		Add(pose.Right().Mul(xn)).
		Add(pose.Up().Mul(yn))
	return pose.Position.
		Add(lateral.Mul(distance)).
		Sub(pose.Up().Mul(eyeOffset))
}
