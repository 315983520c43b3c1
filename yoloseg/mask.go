package yoloseg

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	xdraw "golang.org/x/image/draw"
)

// goldenAngle 相邻实例的色相间隔, 保证颜色彼此区分
const goldenAngle = 137.50776405

// InstanceColor 第 i 个检测实例的颜色
func InstanceColor(i int) color.RGBA {
	h := math.Mod(float64(i)*goldenAngle, 360)
	r, g, b := colorful.Hsv(h, 0.85, 0.95).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// CompositeMask 解码每个检测的 Mask 并叠加到原图上
//
// # Params:
//
//	src: 原图
//	inputSize: 检测框所在的模型输入尺度
//	dets: NMS 后的检测结果
//	mask: Mask 原型张量
//	cutoff: Mask 阈值, 线性组合 (截断到 [0,1]) 大于该值的像素才会被着色
func CompositeMask(src image.Image, inputSize image.Point, dets []Detection, mask MaskTensor, cutoff float32) (*image.NRGBA, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	if inputSize.X <= 0 || inputSize.Y <= 0 {
		return nil, fmt.Errorf("模型输入尺寸非法: %v", inputSize)
	}
	for i, d := range dets {
		if len(d.MaskCoefficients) != mask.Channels {
			return nil, shapeError("检测 %d 的 Mask 系数个数(%d)与原型通道数(%d)不匹配", i, len(d.MaskCoefficients), mask.Channels)
		}
	}

	buf := RenderMask(inputSize, dets, mask, cutoff)
	return Overlay(src, buf), nil
}

// RenderMask 在 Mask 原型尺度上绘制所有检测的实例 Mask, 背景透明
func RenderMask(inputSize image.Point, dets []Detection, mask MaskTensor, cutoff float32) *image.RGBA {
	buf := image.NewRGBA(image.Rect(0, 0, mask.Width, mask.Height))

	sx := float64(mask.Width) / float64(inputSize.X)
	sy := float64(mask.Height) / float64(inputSize.Y)

	for i, d := range dets {
		objectColor := InstanceColor(i)

		// 检测框映射到 Mask 尺度
		bx, by := sx*float64(d.X), sy*float64(d.Y)
		bw, bh := sx*float64(d.Width), sy*float64(d.Height)
		startX := clampInt(int(math.RoundToEven(bx-bw/2)), 0, mask.Width-1)
		endX := clampInt(int(math.RoundToEven(bx+bw/2)), 0, mask.Width-1)
		startY := clampInt(int(math.RoundToEven(by-bh/2)), 0, mask.Height-1)
		endY := clampInt(int(math.RoundToEven(by+bh/2)), 0, mask.Height-1)

		for y := startY; y <= endY; y++ {
			for x := startX; x <= endX; x++ {
				// 计算该像素的 Mask 值 (Dot Product)
				sum := float32(0.0)
				for k := 0; k < mask.Channels; k++ {
					sum += d.MaskCoefficients[k] * mask.At(k, y, x)
				}
				if clamp01(sum) > cutoff {
					buf.SetRGBA(x, y, objectColor)
				}
			}
		}
	}
	return buf
}

// Overlay 将 Mask 缩放到原图尺寸, Mask 不透明处按 50% 混合, 其余像素保持原样
func Overlay(src image.Image, mask *image.RGBA) *image.NRGBA {
	out := imaging.Clone(src)
	bounds := out.Bounds()

	scaled := image.NewRGBA(bounds)
	xdraw.NearestNeighbor.Scale(scaled, bounds, mask, mask.Bounds(), xdraw.Src, nil)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			m := scaled.RGBAAt(x, y)
			if m.A == 0 {
				continue
			}
			s := out.NRGBAAt(x, y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: lerpHalf(s.R, m.R),
				G: lerpHalf(s.G, m.G),
				B: lerpHalf(s.B, m.B),
				A: lerpHalf(s.A, m.A),
			})
		}
	}
	return out
}

func lerpHalf(a, b uint8) uint8 {
	return uint8((uint16(a) + uint16(b)) / 2)
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
