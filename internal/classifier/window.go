package classifier

import "math"

// window 固定容量的 FIFO 窗口，保存最近接受的读数
type window struct {
	capacity int
	values   []float64
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 1
	}
	return &window{
		capacity: capacity,
		values:   make([]float64, 0, capacity),
	}
}

// push 追加读数，超出容量时丢弃最旧的一条
func (w *window) push(v float64) {
	if len(w.values) == w.capacity {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.capacity-1]
	}
	w.values = append(w.values, v)
}

func (w *window) size() int {
	return len(w.values)
}

// last 最近接受的读数
func (w *window) last() (float64, bool) {
	if len(w.values) == 0 {
		return 0, false
	}
	return w.values[len(w.values)-1], true
}

func (w *window) reset() {
	w.values = w.values[:0]
}

func (w *window) mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

// stdDev 总体标准差
func (w *window) stdDev() float64 {
	if len(w.values) == 0 {
		return 0
	}
	mean := w.mean()
	variance := 0.0
	for _, v := range w.values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(w.values)))
}

// smoothed 窗口均值四舍五入
func (w *window) smoothed() int {
	if len(w.values) == 0 {
		return 0
	}
	return int(math.Round(w.mean()))
}

func (w *window) snapshot() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out
}

// confidence 0-100：窗口少于 2 条时为 50，波动越小越高
func confidence(w *window) int {
	if w.size() < 2 {
		return 50
	}
	score := math.Round(100 - (w.stdDev()/30)*100)
	return int(math.Max(0, math.Min(100, score)))
}
