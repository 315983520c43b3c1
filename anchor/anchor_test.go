package anchor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

func assertVec(t *testing.T, want, got r3.Vector, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "X")
	assert.InDelta(t, want.Y, got.Y, delta, "Y")
	assert.InDelta(t, want.Z, got.Z, delta, "Z")
}

// wallAhead 相机前方 distance 处的一面墙
func wallAhead(pose geometry.Pose, distance float64) *geometry.Scene {
	scene := &geometry.Scene{}
	scene.Add(geometry.Plane{
		Point:  pose.Position.Add(pose.Forward().Mul(distance)),
		Normal: pose.Forward().Mul(-1),
	}, geometry.LayerSpatialMesh)
	return scene
}

func newAnchorer(surfaces geometry.RayCaster) *Anchorer {
	return &Anchorer{
		Intrinsics:     geometry.NewVirtualIntrinsics(896, 504, 64.69),
		InputSize:      geometry.Size{W: 320, H: 320},
		RealSize:       geometry.Size{W: 896, H: 504},
		Surfaces:       surfaces,
		MaxRayDistance: 10,
		RayMask:        geometry.MaskOf(geometry.LayerSpatialMesh),
		PlaneDistance:  1,
		EyeOffset:      0.08,
	}
}

func TestAnchorer_ToRealImage(t *testing.T) {
	a := newAnchorer(nil)
	x, y := a.ToRealImage(160, 160)
	assert.InDelta(t, 448, x, 1e-9)
	assert.InDelta(t, 252, y, 1e-9)

	x, y = a.ToRealImage(0, 320)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 504, y, 1e-9)
}

func TestAnchorer_CenterOnWall(t *testing.T) {
	poses := []geometry.Pose{
		geometry.NewPose(r3.Vector{}, geometry.Identity()),
		geometry.NewPose(r3.Vector{X: 1, Y: 1.6, Z: -2}, geometry.AxisAngle(geometry.AxisUp, math.Pi/4)),
		geometry.NewPose(r3.Vector{X: -3, Y: 0.5, Z: 4}, geometry.AxisAngle(r3.Vector{X: 1, Y: 1}, 0.3)),
	}
	det := yoloseg.Detection{X: 160, Y: 160, Width: 40, Height: 40, ClassName: "crack"}

	for _, pose := range poses {
		a := newAnchorer(wallAhead(pose, 1))
		pos, ok := a.Center(det, pose)
		require.True(t, ok)
		assertVec(t, pose.Position.Add(pose.Forward()), pos, 1e-4)
	}
}

func TestAnchorer_CenterMiss(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	det := yoloseg.Detection{X: 160, Y: 160, Width: 40, Height: 40}

	tests := []struct {
		name     string
		surfaces geometry.RayCaster
		maxDist  float64
		mask     geometry.LayerMask
	}{
		{"no surfaces", nil, 10, geometry.AllLayers},
		{"empty scene", &geometry.Scene{}, 10, geometry.AllLayers},
		{"wall too far", wallAhead(pose, 20), 10, geometry.AllLayers},
		{"layer filtered", wallAhead(pose, 1), 10, geometry.MaskOf(geometry.LayerDefault)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAnchorer(tt.surfaces)
			a.MaxRayDistance = tt.maxDist
			a.RayMask = tt.mask
			pos, ok := a.Center(det, pose)
			assert.False(t, ok)
			assert.Equal(t, geometry.Origin, pos)
		})
	}
}

func TestAnchorer_CenterOffAxis(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	a := newAnchorer(wallAhead(pose, 2))

	// 左上方的检测落在墙面左上方
	pos, ok := a.Center(yoloseg.Detection{X: 40, Y: 40, Width: 10, Height: 10}, pose)
	require.True(t, ok)
	assert.InDelta(t, 2, pos.Z, 1e-9)
	assert.Less(t, pos.X, 0.0)
	assert.Greater(t, pos.Y, 0.0)
}

func TestAnchorer_Corners(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{}, geometry.Identity())
	a := newAnchorer(nil)
	det := yoloseg.Detection{X: 160, Y: 160, Width: 100, Height: 50}

	c := a.Corners(det, pose)
	tl, tr, br, bl := c[0], c[1], c[2], c[3]

	for _, p := range c {
		assert.InDelta(t, a.PlaneDistance, p.Z, 1e-9)
	}
	assert.Less(t, tl.X, 0.0)
	assert.Greater(t, tr.X, 0.0)
	assert.InDelta(t, -tl.X, tr.X, 1e-9)
	assert.InDelta(t, tl.Y, tr.Y, 1e-9)
	assert.InDelta(t, bl.Y, br.Y, 1e-9)
	assert.Greater(t, tl.Y, bl.Y)
	assert.InDelta(t, -2*a.EyeOffset, tl.Y+bl.Y, 1e-9)

	// 向内收缩 1 像素: 左上角 (111, 136) -> 真实图像 (310.8, 214.2)
	xn := (310.8 - a.Intrinsics.Cx) / a.Intrinsics.Fx
	yn := (504 - 214.2 - a.Intrinsics.Cy) / a.Intrinsics.Fy
	assertVec(t, r3.Vector{X: xn, Y: yn - a.EyeOffset, Z: 1}, tl, 1e-9)
}

func TestAnchorer_CornersFollowPose(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{X: 2, Y: 1, Z: 0}, geometry.AxisAngle(geometry.AxisUp, math.Pi/2))
	a := newAnchorer(nil)
	a.EyeOffset = 0
	det := yoloseg.Detection{X: 160, Y: 160, Width: 2, Height: 2}

	// 宽高为 2 的框收缩后四个角点重合于主点
	for _, p := range a.Corners(det, pose) {
		assertVec(t, pose.Position.Add(pose.Forward()), p, 1e-9)
	}
}

func TestAnchorer_Facing(t *testing.T) {
	pose := geometry.NewPose(r3.Vector{X: 1}, geometry.AxisAngle(geometry.AxisUp, 0.4))
	a := newAnchorer(nil)
	label := r3.Vector{X: 2, Y: 0.5, Z: 3}

	q := a.Facing(label, pose)
	fwd := geometry.Rotate(q, geometry.AxisForward)
	assertVec(t, label.Sub(pose.Position).Normalize(), fwd, 1e-9)
}
