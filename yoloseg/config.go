package yoloseg

import (
	"errors"

	"github.com/getcharzp/go-vision-xr"
)

// ErrTensorShape 模型输出张量形状与约定不符, 该帧需要跳过
var ErrTensorShape = errors.New("张量形状不匹配")

// Config 分割引擎与后处理参数
type Config struct {
	ModelPath          string // ONNX 模型路径
	OnnxRuntimeLibPath string // ONNX Runtime 动态库路径

	// 推理参数
	ConfThreshold float32 // 置信度阈值 (默认 0.2)
	IOUThreshold  float32 // NMS IOU 阈值 (默认 0.4)
	MaskThreshold float32 // Mask 阈值 (默认 0.9)

	// 模型参数
	InputSize     int      // 默认 320
	NumClasses    int      // 默认取 LabelSet 的类别数, <= 0 时由张量形状推断
	NumMaskCoeffs int      // 默认 32
	LabelSet      LabelSet // 类别名称集合

	// 节点名称
	InputName       string // 默认 images
	DetectionOutput string // 默认 output0
	MaskOutput      string // 默认 output1

	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ModelPath:          "./weights/yolo11n-seg-damages.onnx",
		OnnxRuntimeLibPath: vision.DefaultLibraryPath(),
		ConfThreshold:      0.2,
		IOUThreshold:       0.4,
		MaskThreshold:      0.9,
		InputSize:          320,
		NumClasses:         LabelSetFiveDamages.Len(),
		NumMaskCoeffs:      32,
		LabelSet:           LabelSetFiveDamages,
		InputName:          "images",
		DetectionOutput:    "output0",
		MaskOutput:         "output1",
	}
}

// DefaultCOCOConfig COCO 模型的默认配置
func DefaultCOCOConfig() Config {
	cfg := DefaultConfig()
	cfg.ModelPath = "./weights/yolo11n-seg.onnx"
	cfg.LabelSet = LabelSetCOCO
	cfg.NumClasses = LabelSetCOCO.Len()
	return cfg
}

// Detection 单帧中的一个候选目标
type Detection struct {
	X, Y             float32   // 中心点 (模型输入尺度)
	Width, Height    float32   // 宽高 (模型输入尺度)
	ClassIndex       int       // 最大概率类别
	ClassName        string    // 类别名称
	ClassProbability float32   // 最大类别概率
	MaskCoefficients []float32 // Mask 系数
}

// Bounds 轴对齐检测框 x1, y1, x2, y2
func (d Detection) Bounds() (x1, y1, x2, y2 float32) {
	return d.X - d.Width/2, d.Y - d.Height/2, d.X + d.Width/2, d.Y + d.Height/2
}

// RawOutput 检测输出张量 [1, 4+classes+coeffs, boxes]
type RawOutput struct {
	Data  []float32
	Shape []int64
}

// MaskTensor Mask 原型张量 (channels, height, width), 行自上而下
type MaskTensor struct {
	Data                    []float32
	Channels, Height, Width int
}

// NewMaskTensor 由 [1, C, H, W] 形状的输出构建 MaskTensor
func NewMaskTensor(data []float32, shape []int64) (MaskTensor, error) {
	if len(shape) != 4 || shape[0] != 1 {
		return MaskTensor{}, shapeError("Mask 原型形状 %v, 期望 [1, C, H, W]", shape)
	}
	m := MaskTensor{
		Data:     data,
		Channels: int(shape[1]),
		Height:   int(shape[2]),
		Width:    int(shape[3]),
	}
	return m, m.Validate()
}

// Validate 检查维度与数据长度
func (m MaskTensor) Validate() error {
	if m.Channels <= 0 || m.Height <= 0 || m.Width <= 0 {
		return shapeError("Mask 原型维度非法 (%d, %d, %d)", m.Channels, m.Height, m.Width)
	}
	if len(m.Data) < m.Channels*m.Height*m.Width {
		return shapeError("Mask 原型数据长度 %d 小于 %d", len(m.Data), m.Channels*m.Height*m.Width)
	}
	return nil
}

// At 取通道 c 第 y 行第 x 列的值
func (m MaskTensor) At(c, y, x int) float32 {
	return m.Data[c*m.Height*m.Width+y*m.Width+x]
}
