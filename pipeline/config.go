package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

// maxConfigSize 配置文件大小上限 (1MB)
const maxConfigSize = 1 << 20

// Duration JSON 中以 "32ms" 形式书写的时长
type Duration time.Duration

// Std 转换为 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText 实现 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config 帧循环参数
type Config struct {
	Model yoloseg.Config `json:"model"`

	// 去重与资源池
	MinSameObjectDistance float64  `json:"min_same_object_distance"` // 同类别标签最小间距 (米)
	MaxLabels             int      `json:"max_labels"`               // 同时显示的标签上限
	MaxPoses              int      `json:"max_poses"`                // 位姿快照池容量
	LabelMaxAge           Duration `json:"label_max_age"`            // 标签最长显示时间, 0 表示不限

	// 相机
	RealWidth   int     `json:"real_width"`
	RealHeight  int     `json:"real_height"`
	HFOVDegrees float64 `json:"hfov_degrees"`

	// 空间锚定
	PlaneDistance      float64            `json:"plane_distance"`   // 角点虚拟平面距离
	PanelDistance      float64            `json:"panel_distance"`   // 结果画面距离
	EyeOffset          float64            `json:"eye_offset"`       // 相机与人眼的竖直偏移
	MaxRayDistance     float64            `json:"max_ray_distance"` // <= 0 表示不限
	RayMask            geometry.LayerMask `json:"ray_mask"`
	DropGeometryMisses bool               `json:"drop_geometry_misses"` // 射线未命中时不显示标签

	// 调度
	StageDelay    Duration `json:"stage_delay"`    // 各阶段之间让出的时间
	PollInterval  Duration `json:"poll_interval"`  // 推理完成的轮询间隔
	IdleInterval  Duration `json:"idle_interval"`  // 关闭检测时的休眠间隔
	PanelInterval Duration `json:"panel_interval"` // 自动结果画面的间隔, 0 表示关闭

	DrawBoxes bool `json:"draw_boxes"` // 结果画面上绘制检测框与类别
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Model:                 yoloseg.DefaultConfig(),
		MinSameObjectDistance: 0.3,
		MaxLabels:             5,
		MaxPoses:              5,
		RealWidth:             896,
		RealHeight:            504,
		HFOVDegrees:           64.69,
		PlaneDistance:         1.0,
		PanelDistance:         0.9,
		EyeOffset:             0.08,
		MaxRayDistance:        10,
		RayMask:               geometry.MaskOf(geometry.LayerSpatialMesh),
		DropGeometryMisses:    true,
		StageDelay:            Duration(32 * time.Millisecond),
		PollInterval:          Duration(5 * time.Millisecond),
		IdleInterval:          Duration(100 * time.Millisecond),
		PanelInterval:         Duration(5 * time.Second),
		DrawBoxes:             true,
	}
}

// LoadConfig 从 JSON 文件加载配置, 文件中未出现的字段保留默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, fmt.Errorf("配置文件必须是 .json, 实际为 %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("配置文件过大: %d 字节 (上限 %d)", info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

// Validate 检查参数取值范围
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	m := c.Model
	check(m.InputSize > 0, "model.InputSize 必须为正数: %d", m.InputSize)
	check(m.ConfThreshold >= 0 && m.ConfThreshold <= 1, "model.ConfThreshold 超出 [0,1]: %v", m.ConfThreshold)
	check(m.IOUThreshold >= 0 && m.IOUThreshold <= 1, "model.IOUThreshold 超出 [0,1]: %v", m.IOUThreshold)
	check(m.MaskThreshold >= 0 && m.MaskThreshold <= 1, "model.MaskThreshold 超出 [0,1]: %v", m.MaskThreshold)
	check(m.NumMaskCoeffs > 0, "model.NumMaskCoeffs 必须为正数: %d", m.NumMaskCoeffs)

	check(c.MinSameObjectDistance >= 0, "min_same_object_distance 不能为负数: %v", c.MinSameObjectDistance)
	check(c.MaxLabels > 0, "max_labels 必须为正数: %d", c.MaxLabels)
	check(c.MaxPoses > 0, "max_poses 必须为正数: %d", c.MaxPoses)
	check(c.LabelMaxAge >= 0, "label_max_age 不能为负数: %v", c.LabelMaxAge.Std())
	check(c.RealWidth > 0 && c.RealHeight > 0, "相机分辨率必须为正数: %dx%d", c.RealWidth, c.RealHeight)
	check(c.HFOVDegrees > 0 && c.HFOVDegrees < 180, "hfov_degrees 超出 (0,180): %v", c.HFOVDegrees)
	check(c.PlaneDistance > 0, "plane_distance 必须为正数: %v", c.PlaneDistance)
	check(c.PanelDistance > 0, "panel_distance 必须为正数: %v", c.PanelDistance)
	check(c.PollInterval > 0, "poll_interval 必须为正数: %v", c.PollInterval.Std())
	check(c.IdleInterval > 0, "idle_interval 必须为正数: %v", c.IdleInterval.Std())
	check(c.StageDelay >= 0 && c.PanelInterval >= 0, "时长不能为负数")

	return errors.Join(errs...)
}

// intrinsics 由视场角推导的虚拟相机内参
func (c Config) intrinsics() geometry.Intrinsics {
	return geometry.NewVirtualIntrinsics(c.RealWidth, c.RealHeight, c.HFOVDegrees)
}

func (c Config) realSize() geometry.Size {
	return geometry.Size{W: float64(c.RealWidth), H: float64(c.RealHeight)}
}
