package yoloseg

import (
	"fmt"
	"strings"
)

// LabelSet 支持的类别名称集合
type LabelSet int

const (
	LabelSetCOCO LabelSet = iota
	LabelSetCracks
	LabelSetSpalling
	LabelSetRust
	LabelSetEfflorescence
	LabelSetExposedRebars
	LabelSetFiveDamages
)

var labelSetKeys = [...]string{
	LabelSetCOCO:          "coco",
	LabelSetCracks:        "cracks",
	LabelSetSpalling:      "spalling",
	LabelSetRust:          "rust",
	LabelSetEfflorescence: "efflorescence",
	LabelSetExposedRebars: "exposedrebars",
	LabelSetFiveDamages:   "fivedamages",
}

var labelSetNames = [...][]string{
	LabelSetCOCO:          cocoNames,
	LabelSetCracks:        {"crack"},
	LabelSetSpalling:      {"spalling"},
	LabelSetRust:          {"rust"},
	LabelSetEfflorescence: {"efflorescence"},
	LabelSetExposedRebars: {"exposedrebars"},
	LabelSetFiveDamages:   {"crack", "spalling", "rust", "efflorescence", "exposedrebars"},
}

// ParseLabelSet 按名称解析 (不区分大小写)
func ParseLabelSet(s string) (LabelSet, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, k := range labelSetKeys {
		if k == key {
			return LabelSet(i), nil
		}
	}
	return 0, fmt.Errorf("未知的类别集合: %q", s)
}

func (l LabelSet) valid() bool {
	return l >= 0 && int(l) < len(labelSetKeys)
}

// String 类别集合名称
func (l LabelSet) String() string {
	if !l.valid() {
		return fmt.Sprintf("LabelSet(%d)", int(l))
	}
	return labelSetKeys[l]
}

// Len 类别数量
func (l LabelSet) Len() int {
	if !l.valid() {
		return 0
	}
	return len(labelSetNames[l])
}

// Names 类别名称副本
func (l LabelSet) Names() []string {
	if !l.valid() {
		return nil
	}
	return append([]string(nil), labelSetNames[l]...)
}

// Name 类别名称, 未注册的索引返回可见的占位名称而不是丢弃
func (l LabelSet) Name(classIndex int) string {
	if l.valid() && classIndex >= 0 && classIndex < len(labelSetNames[l]) {
		return labelSetNames[l][classIndex]
	}
	return fmt.Sprintf("class_%d", classIndex)
}

// MarshalText 实现 encoding.TextMarshaler
func (l LabelSet) MarshalText() ([]byte, error) {
	if !l.valid() {
		return nil, fmt.Errorf("未知的类别集合: %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (l *LabelSet) UnmarshalText(text []byte) error {
	v, err := ParseLabelSet(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

var cocoNames = []string{
	"Person", "Bicycle", "Car", "Motorcycle", "Airplane", "Bus", "Train", "Truck",
	"Boat", "Traffic light", "Fire hydrant", "Stop sign", "Parking meter", "Bench",
	"Bird", "Cat", "Dog", "Horse", "Sheep", "Cow", "Elephant", "Bear", "Zebra",
	"Giraffe", "Backpack", "Umbrella", "Handbag", "Tie", "Suitcase", "Frisbee",
	"Skis", "Snowboard", "Sports ball", "Kite", "Baseball bat", "Baseball glove",
	"Skateboard", "Surfboard", "Tennis racket", "Bottle", "Wine glass", "Cup",
	"Fork", "Knife", "Spoon", "Bowl", "Banana", "Apple", "Sandwich", "Orange",
	"Broccoli", "Carrot", "Hot dog", "Pizza", "Donut", "Cake", "Chair", "Couch",
	"Potted plant", "Bed", "Dining table", "Toilet", "TV", "Laptop", "Mouse",
	"Remote", "Keyboard", "Cell phone", "Microwave", "Oven", "Toaster", "Sink",
	"Refrigerator", "Book", "Clock", "Vase", "Scissors", "Teddy bear", "Hair drier",
	"Toothbrush",
}
