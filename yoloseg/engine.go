package yoloseg

import (
	"context"
	"fmt"
	"image"

	"github.com/getcharzp/go-vision-xr"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

// SegEngine YOLO-seg Engine, 只负责前向推理, 后处理由 Decode / Suppress / CompositeMask 完成
type SegEngine struct {
	session *ort.DynamicAdvancedSession
	onnx    *vision.OnnxConfig
	config  Config
}

// NewSegEngine 初始化分割引擎
func NewSegEngine(cfg Config) (*SegEngine, error) {
	oc := new(vision.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	// 初始化 ONNX
	if err := oc.New(); err != nil {
		return nil, err
	}

	// 创建 Session
	inputs := []string{cfg.InputName}
	outputs := []string{cfg.DetectionOutput, cfg.MaskOutput}
	session, err := oc.NewSession(cfg.ModelPath, inputs, outputs)
	if err != nil {
		oc.Destroy()
		return nil, err
	}

	return &SegEngine{
		session: session,
		onnx:    oc,
		config:  cfg,
	}, nil
}

// Destroy 释放相关资源
func (e *SegEngine) Destroy() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.onnx != nil {
		e.onnx.Destroy()
	}
}

// Infer 执行推理, 返回检测输出与 Mask 原型
//
// output0: Detections [1, 4+classes+32, boxes]
// output1: Mask Protos [1, 32, h, w]
func (e *SegEngine) Infer(ctx context.Context, img image.Image) (RawOutput, MaskTensor, error) {
	if err := ctx.Err(); err != nil {
		return RawOutput{}, MaskTensor{}, err
	}

	// 预处理
	inputTensor, err := preprocess(img, e.config.InputSize)
	if err != nil {
		return RawOutput{}, MaskTensor{}, fmt.Errorf("预处理失败: %w", err)
	}
	defer inputTensor.Destroy()

	// 推理
	outputs := make([]ort.Value, 2)
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return RawOutput{}, MaskTensor{}, fmt.Errorf("推理失败: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	det, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return RawOutput{}, MaskTensor{}, fmt.Errorf("%w: 检测输出不是 float32 张量", ErrTensorShape)
	}
	protos, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return RawOutput{}, MaskTensor{}, fmt.Errorf("%w: Mask 原型不是 float32 张量", ErrTensorShape)
	}

	// 张量在返回前销毁, 数据需要复制
	raw := RawOutput{
		Data:  append([]float32(nil), det.GetData()...),
		Shape: []int64(det.GetShape()),
	}
	mask, err := NewMaskTensor(append([]float32(nil), protos.GetData()...), []int64(protos.GetShape()))
	if err != nil {
		return RawOutput{}, MaskTensor{}, err
	}
	return raw, mask, nil
}
