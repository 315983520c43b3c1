package yoloseg

import "fmt"

func shapeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTensorShape, fmt.Sprintf(format, args...))
}

// Decode 检查检测输出张量的形状并解析候选框
//
// # Params:
//
//	out: 检测输出 [1, 4+classes+coeffs, boxes]
//	cfg: 推理参数 (ConfThreshold, NumClasses, NumMaskCoeffs, LabelSet)
func Decode(out RawOutput, cfg Config) ([]Detection, error) {
	if len(out.Shape) != 3 || out.Shape[0] != 1 {
		return nil, shapeError("检测输出形状 %v, 期望 [1, attrs, boxes]", out.Shape)
	}
	attrs, boxes := int(out.Shape[1]), int(out.Shape[2])

	if cfg.NumClasses > 0 {
		expected := 4 + cfg.NumClasses + cfg.NumMaskCoeffs
		if attrs != expected {
			return nil, shapeError("传入的通道数(%d)与预期(%d)不匹配", attrs, expected)
		}
	} else if attrs < 4+1+cfg.NumMaskCoeffs {
		return nil, shapeError("通道数(%d)不足以容纳检测框、类别与 %d 个 Mask 系数", attrs, cfg.NumMaskCoeffs)
	}
	if boxes < 0 || len(out.Data) < attrs*boxes {
		return nil, shapeError("检测输出数据长度 %d 小于 %d×%d", len(out.Data), attrs, boxes)
	}

	return DecodeBoxes(out.Data, attrs, boxes, cfg.ConfThreshold, cfg.NumMaskCoeffs, cfg.LabelSet), nil
}

// CheckMask 检查 Mask 原型张量形状, 通道数必须等于 cfg.NumMaskCoeffs
func CheckMask(mask MaskTensor, cfg Config) error {
	if err := mask.Validate(); err != nil {
		return err
	}
	if mask.Channels != cfg.NumMaskCoeffs {
		return shapeError("Mask 原型通道数(%d)与 Mask 系数个数(%d)不匹配", mask.Channels, cfg.NumMaskCoeffs)
	}
	return nil
}

// DecodeBoxes 解析候选框
//
// # Params:
//
//	data: 模型输出的数组
//		[x1, x2 ..., xN]
//		[y1, y2 ..., yN]
//		[w1, w2 ..., wN]
//		[h1, h2 ..., hN]
//		[c1_1, c1_2 ..., c1_N]
//		...
//		[m1, m2 ..., mN]
//	channels: 每个框的属性数
//	anchors: 候选框数量
//	confThreshold: 类别概率需严格大于该值
//	numMaskCoeffs: 末尾 Mask 系数个数
//	labels: 类别名称集合
func DecodeBoxes(data []float32, channels, anchors int, confThreshold float32, numMaskCoeffs int, labels LabelSet) []Detection {
	numClasses := channels - 4 - numMaskCoeffs
	if numClasses <= 0 || len(data) < channels*anchors {
		return nil
	}

	var dets []Detection
	for i := 0; i < anchors; i++ {
		// 找最大类别分数, 并列时保留较小的类别索引
		classID := 0
		maxScore := data[4*anchors+i]
		for c := 1; c < numClasses; c++ {
			score := data[(4+c)*anchors+i]
			if score > maxScore {
				maxScore = score
				classID = c
			}
		}
		if !(maxScore > confThreshold) {
			continue
		}

		// 提取 Mask 系数
		coeffs := make([]float32, numMaskCoeffs)
		for j := 0; j < numMaskCoeffs; j++ {
			coeffs[j] = data[(4+numClasses+j)*anchors+i]
		}

		dets = append(dets, Detection{
			X:                data[0*anchors+i],
			Y:                data[1*anchors+i],
			Width:            data[2*anchors+i],
			Height:           data[3*anchors+i],
			ClassIndex:       classID,
			ClassName:        labels.Name(classID),
			ClassProbability: maxScore,
			MaskCoefficients: coeffs,
		})
	}
	return dets
}
