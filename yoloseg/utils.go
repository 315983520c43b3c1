package yoloseg

import (
	"image"

	"github.com/up-zero/gotool/imageutil"
	ort "github.com/yalue/onnxruntime_go"
)

// Resize 将相机画面拉伸到模型输入尺寸
//
// 模型在拉伸后的副本上推理, 锚定时再按比例换算回真实分辨率
func Resize(img image.Image, inputSize int) image.Image {
	return imageutil.Resize(img, inputSize, inputSize)
}

// tensorData 预处理 (CHW + Normalize 0-1), img 需已是 inputSize × inputSize
func tensorData(img image.Image, inputSize int) []float32 {
	b := img.Bounds()
	data := make([]float32, 3*inputSize*inputSize)
	for y := 0; y < inputSize && y < b.Dy(); y++ {
		for x := 0; x < inputSize && x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()

			idx := y*inputSize + x
			data[idx] = float32(r) / 65535.0                        // R
			data[inputSize*inputSize+idx] = float32(g) / 65535.0    // G
			data[2*inputSize*inputSize+idx] = float32(bl) / 65535.0 // B
		}
	}
	return data
}

// preprocess 预处理
func preprocess(img image.Image, inputSize int) (*ort.Tensor[float32], error) {
	b := img.Bounds()
	if b.Dx() != inputSize || b.Dy() != inputSize {
		img = Resize(img, inputSize)
	}
	shape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	return ort.NewTensor(shape, tensorData(img, inputSize))
}
