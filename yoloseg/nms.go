package yoloseg

// IoU 两个轴对齐检测框的交并比, 并集面积为 0 时返回 0
func IoU(a, b Detection) float32 {
	ax1, ay1, ax2, ay2 := a.Bounds()
	bx1, by1, bx2, by2 := b.Bounds()

	iw := min(ax2, bx2) - max(ax1, bx1)
	ih := min(ay2, by2) - max(ay1, by1)
	var inter float32
	if iw > 0 && ih > 0 {
		inter = iw * ih
	}

	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress 非极大值抑制, 单次前向遍历所有无序框对
//
// 任一方已被移除的框对直接跳过; IoU 超过阈值时移除概率较低的框,
// 概率相同时保留索引靠前的框. 返回结果保持输入顺序.
//
// # Params:
//
//	dets: 候选框
//	iouThresh: IOU 阈值
func Suppress(dets []Detection, iouThresh float32) []Detection {
	removed := make([]bool, len(dets))

	for i := 0; i < len(dets); i++ {
		for j := i + 1; j < len(dets); j++ {
			if removed[i] {
				break
			}
			if removed[j] {
				continue
			}
			if IoU(dets[i], dets[j]) > iouThresh {
				if dets[j].ClassProbability > dets[i].ClassProbability {
					removed[i] = true
				} else {
					removed[j] = true
				}
			}
		}
	}

	kept := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if !removed[i] {
			kept = append(kept, d)
		}
	}
	return kept
}
