package yoloseg

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/getcharzp/go-vision-xr"
	"github.com/up-zero/gotool/imageutil"
)

// BoxColor 检测框与类别文字的颜色
var BoxColor = color.RGBA{R: 51, G: 51, B: 204, A: 255}

// ToRGBA 复制为可绘制的 RGBA 图像, 原点移到 (0,0)
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// DrawBoxes 在图像上绘制检测框, 并在框中心写类别名称
//
// # Params:
//
//	img: 被绘制的图像
//	inputSize: 检测框所在的模型输入尺度
//	dets: 检测结果
//	drawer: 文本绘制工具, 为 nil 时只画框
func DrawBoxes(img *image.RGBA, inputSize image.Point, dets []Detection, drawer *vision.TextDrawer) {
	if inputSize.X <= 0 || inputSize.Y <= 0 {
		return
	}
	bounds := img.Bounds()
	sx := float32(bounds.Dx()) / float32(inputSize.X)
	sy := float32(bounds.Dy()) / float32(inputSize.Y)

	for _, d := range dets {
		x1, y1, x2, y2 := d.Bounds()
		r := image.Rect(int(x1*sx), int(y1*sy), int(x2*sx)-1, int(y2*sy)-1).Intersect(bounds)
		if r.Empty() {
			continue
		}

		tl := r.Min
		tr := image.Point{X: r.Max.X, Y: r.Min.Y}
		br := r.Max
		bl := image.Point{X: r.Min.X, Y: r.Max.Y}
		imageutil.DrawThickLine(img, tl, tr, 2, BoxColor)
		imageutil.DrawThickLine(img, tr, br, 2, BoxColor)
		imageutil.DrawThickLine(img, br, bl, 2, BoxColor)
		imageutil.DrawThickLine(img, bl, tl, 2, BoxColor)

		if drawer != nil {
			c := image.Point{X: (r.Min.X + r.Max.X) / 2, Y: (r.Min.Y + r.Max.Y) / 2}
			drawer.DrawText(img, d.ClassName, c.X, c.Y, BoxColor)
		}
	}
}
