package classifier

import "fmt"

// Label 分类状态
type Label string

const (
	LabelUnset    Label = "—"
	LabelCritical Label = "Critical"
	LabelAnxious  Label = "Anxious"
	LabelActive   Label = "Active"
	LabelSteady   Label = "Steady"
	LabelAbnormal Label = "Abnormal"

	// 三档方案（实时心率页面使用）
	LabelElevated Label = "Elevated"
	LabelNormal   Label = "Normal"
)

// Band 一个分类区间：smoothed >= Min 时命中
type Band struct {
	Label   Label  `yaml:"label"`
	Min     int    `yaml:"min"`
	Message string `yaml:"message"`
}

// Scheme 分类方案
// Bands 按 Min 从高到低排列，第一个满足 smoothed >= Min 的区间生效；
// 全部未命中时返回 Below。
type Scheme struct {
	Name         string `yaml:"name"`
	Bands        []Band `yaml:"bands"`
	Below        Label  `yaml:"below"`
	BelowMessage string `yaml:"below_message"`
}

// FiveBand 默认五档方案（行为分析页面）
func FiveBand() Scheme {
	return Scheme{
		Name: "five-band",
		Bands: []Band{
			{Label: LabelCritical, Min: 181, Message: "⚠️ Critical - possible abnormal reading or panic"},
			{Label: LabelAnxious, Min: 151, Message: "🔴 Anxious/Stressed - very high BPM"},
			{Label: LabelActive, Min: 121, Message: "🟡 Active/Excited - elevated BPM"},
			{Label: LabelSteady, Min: 60, Message: "🟢 Calm/Steady - within normal range"},
		},
		Below:        LabelAbnormal,
		BelowMessage: "⚠️ Abnormal/Sensor Error - unrealistic or low reading",
	}
}

// LegacyThreeBand 三档方案：Normal < 120 <= Elevated < 160 <= Critical
// 与五档方案的取舍尚待产品确认，默认不启用
func LegacyThreeBand() Scheme {
	return Scheme{
		Name: "three-band",
		Bands: []Band{
			{Label: LabelCritical, Min: 160, Message: "⚠️ Critical - heart rate 160+"},
			{Label: LabelElevated, Min: 120, Message: "🟡 Elevated - heart rate 120-160"},
		},
		Below:        LabelNormal,
		BelowMessage: "🟢 Normal - heart rate below 120",
	}
}

// SchemeByName 按名称取内置方案
func SchemeByName(name string) (Scheme, error) {
	switch name {
	case "", "five-band":
		return FiveBand(), nil
	case "three-band":
		return LegacyThreeBand(), nil
	default:
		return Scheme{}, fmt.Errorf("unknown classification scheme: %s", name)
	}
}

// Classify 纯函数：smoothed <= 0 表示没有数据
func (s Scheme) Classify(smoothed int) Label {
	if smoothed <= 0 {
		return LabelUnset
	}
	for _, b := range s.Bands {
		if smoothed >= b.Min {
			return b.Label
		}
	}
	return s.Below
}

// Message 状态变化日志文案
func (s Scheme) Message(label Label) string {
	for _, b := range s.Bands {
		if b.Label == label {
			return b.Message
		}
	}
	if label == s.Below && s.BelowMessage != "" {
		return s.BelowMessage
	}
	return "State changed"
}

// Validate 校验区间顺序
func (s Scheme) Validate() error {
	if len(s.Bands) == 0 {
		return fmt.Errorf("scheme %q has no bands", s.Name)
	}
	if s.Below == "" {
		return fmt.Errorf("scheme %q has no label for values below the lowest band", s.Name)
	}
	for i, b := range s.Bands {
		if b.Label == "" {
			return fmt.Errorf("scheme %q band %d has empty label", s.Name, i)
		}
		if b.Min <= 0 {
			return fmt.Errorf("scheme %q band %s must have a positive lower bound", s.Name, b.Label)
		}
		if i > 0 && b.Min >= s.Bands[i-1].Min {
			return fmt.Errorf("scheme %q bands must be ordered by descending lower bound", s.Name)
		}
	}
	return nil
}
