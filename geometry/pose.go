package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// 相机坐标系: x 向右, y 向上, z 向前 (左手系, 与头显引擎一致)
var (
	AxisRight   = r3.Vector{X: 1}
	AxisUp      = r3.Vector{Y: 1}
	AxisForward = r3.Vector{Z: 1}
)

// Origin 世界坐标原点, 射线未命中时作为哨兵值返回
var Origin = r3.Vector{}

// Pose 某一帧采集时刻的相机位姿快照 (位置 + 朝向)
type Pose struct {
	Position r3.Vector
	Rotation quat.Number // 单位四元数
}

// Identity 单位旋转
func Identity() quat.Number {
	return quat.Number{Real: 1}
}

// NewPose 创建位姿, 旋转会被归一化
func NewPose(position r3.Vector, rotation quat.Number) Pose {
	return Pose{Position: position, Rotation: normalizeQuat(rotation)}
}

// AxisAngle 绕 axis 旋转 rad 弧度的四元数
func AxisAngle(axis r3.Vector, rad float64) quat.Number {
	if axis.Norm2() == 0 {
		return Identity()
	}
	a := axis.Normalize()
	s := math.Sin(rad / 2)
	return quat.Number{Real: math.Cos(rad / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s}
}

// Rotate 以四元数旋转向量 (q v q*)
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Forward 相机前向轴的世界坐标方向
func (p Pose) Forward() r3.Vector { return Rotate(p.Rotation, AxisForward) }

// Right 相机右向轴的世界坐标方向
func (p Pose) Right() r3.Vector { return Rotate(p.Rotation, AxisRight) }

// Up 相机上向轴的世界坐标方向
func (p Pose) Up() r3.Vector { return Rotate(p.Rotation, AxisUp) }

// LookRotation 返回前向轴指向 forward、上向轴尽量贴近 up 的旋转
func LookRotation(forward, up r3.Vector) quat.Number {
	if forward.Norm2() == 0 {
		return Identity()
	}
	f := forward.Normalize()
	if up.Norm2() == 0 || math.Abs(f.Dot(up.Normalize())) > 1-1e-9 {
		// up 与 forward 共线时换一个参考轴
		up = AxisRight
		if math.Abs(f.Dot(up)) > 1-1e-9 {
			up = AxisForward
		}
	}
	r := up.Cross(f).Normalize()
	u := f.Cross(r)

	// 列向量为 r, u, f 的旋转矩阵转四元数
	m00, m01, m02 := r.X, u.X, f.X
	m10, m11, m12 := r.Y, u.Y, f.Y
	m20, m21, m22 := r.Z, u.Z, f.Z

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return normalizeQuat(q)
}

// FacingCamera 文字标签的朝向: 背对相机, 从相机看过去文字左右方向正常
func FacingCamera(position r3.Vector, pose Pose) quat.Number {
	return LookRotation(position.Sub(pose.Position), pose.Up())
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return Identity()
	}
	return quat.Scale(1/n, q)
}
