package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 文本绘制工具, 用于在结果画面上标注类别名称
//
// font.Face 不能并发使用, 所有方法都持有 mu
type TextDrawer struct {
	mu       sync.Mutex
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 从字体文件创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewDefaultTextDrawer 使用内置的 Go Regular 字体
func NewDefaultTextDrawer() (*TextDrawer, error) {
	return NewTextDrawerFromBytes(goregular.TTF)
}

// NewTextDrawerFromBytes 从字体数据创建文本绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(10); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
//
// # Params:
//
//	fontSize: 字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	d.face = nf
	d.fontSize = fontSize
	return nil
}

// Measure 文本绘制后的像素宽度
func (d *TextDrawer) Measure(text string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.measure(text)
}

func (d *TextDrawer) measure(text string) int {
	return font.MeasureString(d.face, text).Ceil()
}

// DrawText 以 (x, y) 为中心绘制单行文本
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 文本中心坐标
//	c: 绘制的颜色
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	d.mu.Lock()
	defer d.mu.Unlock()

	metrics := d.face.Metrics()
	baseline := y + (metrics.Ascent-metrics.Descent).Ceil()/2

	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c), // 文字颜色源
		Face: d.face,
		Dot: fixed.Point26_6{
			X: fixed.I(x - d.measure(text)/2),
			Y: fixed.I(baseline),
		},
	}
	d1.DrawString(text)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
