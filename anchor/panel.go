package anchor

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/getcharzp/go-vision-xr/geometry"
)

// PanelPlacement 结果画面在世界中的摆放
type PanelPlacement struct {
	Position r3.Vector
	Rotation quat.Number
	Scale    r3.Vector
}

// PlacePanel 将结果画面放在相机前方 distance 处, 尺寸与相机视场一致
//
// # Params:
//
//	pose: 画面对应帧的相机位姿
//	distance: 与相机的距离, 略小于角点平面距离以免与三维框重叠
//	eyeOffset: 相机与人眼的竖直偏移
//	hfovDeg: 水平视场角
//	real: 相机真实分辨率, 决定画面宽高比
func PlacePanel(pose geometry.Pose, distance, eyeOffset, hfovDeg float64, real geometry.Size) PanelPlacement {
	width := 2 * distance * math.Tan(hfovDeg*0.5*math.Pi/180)
	height := width * (real.H / real.W)
	return PanelPlacement{
		Position: pose.Position.Add(pose.Forward().Mul(distance)).Sub(pose.Up().Mul(eyeOffset)),
		Rotation: pose.Rotation,
		Scale:    r3.Vector{X: width, Y: height, Z: 1},
	}
}

// PanelGrid 固定后的结果画面按网格排列
type PanelGrid struct {
	Origin  r3.Vector
	Spacing r3.Vector
	Columns int
	Scale   r3.Vector

	next int
}

// DefaultPanelGrid 默认网格: 3 列, 缩小到约 10%
func DefaultPanelGrid() *PanelGrid {
	return &PanelGrid{
		Origin:  r3.Vector{X: 0, Y: 2, Z: 1},
		Spacing: r3.Vector{X: 0.1978, Y: 0.12, Z: 0.2},
		Columns: 3,
		Scale:   r3.Vector{X: 0.1778, Y: 0.1, Z: 1},
	}
}

// Next 下一个网格位置
func (g *PanelGrid) Next() PanelPlacement {
	cols := max(g.Columns, 1)
	row, col := g.next/cols, g.next%cols
	g.next++
	return PanelPlacement{
		Position: g.Origin.Add(r3.Vector{X: float64(col) * g.Spacing.X, Y: float64(row) * g.Spacing.Y}),
		Rotation: geometry.Identity(),
		Scale:    g.Scale,
	}
}

// Release 归还最近分配的网格位置
func (g *PanelGrid) Release() {
	if g.next > 0 {
		g.next--
	}
}

// Len 已占用的网格数量
func (g *PanelGrid) Len() int { return g.next }
