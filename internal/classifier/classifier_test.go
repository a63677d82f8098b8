package classifier_test

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"
	"github.com/Hrithick25/smartcollar/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 9, 20, 8, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClassifier(t *testing.T, clock *fakeClock, opts ...classifier.Option) *classifier.Classifier {
	t.Helper()
	opts = append([]classifier.Option{classifier.WithClock(clock.Now)}, opts...)
	c, err := classifier.New(classifier.DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func reading(clock *fakeClock, v float64) models.Reading {
	return models.Reading{DogID: "dog-1", Value: v, ReceivedAt: clock.Now()}
}

func TestScheme_FiveBandBoundaries(t *testing.T) {
	s := classifier.FiveBand()
	cases := map[int]classifier.Label{
		250: classifier.LabelCritical,
		181: classifier.LabelCritical,
		180: classifier.LabelAnxious,
		151: classifier.LabelAnxious,
		150: classifier.LabelActive,
		121: classifier.LabelActive,
		120: classifier.LabelSteady,
		60:  classifier.LabelSteady,
		59:  classifier.LabelAbnormal,
		30:  classifier.LabelAbnormal,
		0:   classifier.LabelUnset,
	}
	for bpm, want := range cases {
		assert.Equal(t, want, s.Classify(bpm), "bpm=%d", bpm)
	}
}

func TestScheme_ThreeBandBoundaries(t *testing.T) {
	s, err := classifier.SchemeByName("three-band")
	require.NoError(t, err)

	assert.Equal(t, classifier.LabelCritical, s.Classify(160))
	assert.Equal(t, classifier.LabelElevated, s.Classify(159))
	assert.Equal(t, classifier.LabelElevated, s.Classify(120))
	assert.Equal(t, classifier.LabelNormal, s.Classify(119))

	_, err = classifier.SchemeByName("seven-band")
	require.Error(t, err)
}

func TestScheme_ValidateRejectsUnorderedBands(t *testing.T) {
	s := classifier.FiveBand()
	s.Bands[0], s.Bands[1] = s.Bands[1], s.Bands[0]
	require.Error(t, s.Validate())
	require.NoError(t, classifier.FiveBand().Validate())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := classifier.DefaultConfig()
	cfg.WindowSize = 0
	_, err := classifier.New(cfg)
	require.Error(t, err)

	cfg = classifier.DefaultConfig()
	cfg.StaleCheckInterval = cfg.StaleTimeout * 2
	_, err = classifier.New(cfg)
	require.Error(t, err)
}

func TestClassifier_InitialState(t *testing.T) {
	c := newClassifier(t, newFakeClock())

	st := c.Status()
	assert.False(t, st.Online)
	assert.Equal(t, classifier.LabelUnset, st.Label)
	assert.Equal(t, 0, st.SmoothedBPM)
	assert.Equal(t, 50, st.Confidence)
	assert.Empty(t, st.Window)
	assert.Empty(t, st.Log)
}

func TestClassifier_InvalidReadingsLeaveStateUntouched(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 90)))
	before := c.Status()

	cases := []struct {
		value float64
		want  classifier.Outcome
	}{
		{math.NaN(), classifier.RejectedInvalid},
		{math.Inf(1), classifier.RejectedInvalid},
		{0, classifier.RejectedInvalid},
		{-5, classifier.RejectedOutOfRange},
		{29.9, classifier.RejectedOutOfRange},
		{250.1, classifier.RejectedOutOfRange},
		{1000, classifier.RejectedOutOfRange},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Ingest(reading(clock, tc.value)), "value=%v", tc.value)
	}

	assert.Equal(t, before, c.Status())
}

func TestClassifier_BoundsAreInclusive(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)
	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 30)))

	c2 := newClassifier(t, clock)
	require.Equal(t, classifier.Accepted, c2.Ingest(reading(clock, 250)))
}

func TestClassifier_SmoothingOverWindow(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	for _, v := range []float64{80, 82, 84, 86, 88} {
		require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, v)))
	}
	st := c.Status()
	assert.Equal(t, 84, st.SmoothedBPM)
	assert.Equal(t, 88.0, st.RawBPM)
	assert.Equal(t, []float64{80, 82, 84, 86, 88}, st.Window)

	// 第六条挤掉最旧的 80
	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 90)))
	st = c.Status()
	assert.Equal(t, []float64{82, 84, 86, 88, 90}, st.Window)
	assert.Equal(t, 86, st.SmoothedBPM)
}

func TestClassifier_SpikeFilter(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 80)))
	assert.Equal(t, classifier.RejectedSpike, c.Ingest(reading(clock, 141)))
	assert.Equal(t, []float64{80}, c.Status().Window)

	// 恰好等于阈值不算跳变
	assert.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 140)))
	assert.Equal(t, []float64{80, 140}, c.Status().Window)

	// 与最近一条比较，而不是与均值比较
	assert.Equal(t, classifier.RejectedSpike, c.Ingest(reading(clock, 79)))
	assert.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 81)))
}

func TestClassifier_FirstReadingNeverSpike(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)
	assert.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 240)))
	assert.Equal(t, classifier.LabelCritical, c.Status().Label)
}

func TestClassifier_LateReadingsDropped(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	late := reading(clock, 90)
	late.Timestamp = clock.Now().Add(-61 * time.Second)
	assert.Equal(t, classifier.RejectedLate, c.Ingest(late))
	assert.False(t, c.Status().Online)

	onTime := reading(clock, 90)
	onTime.Timestamp = clock.Now().Add(-60 * time.Second)
	assert.Equal(t, classifier.Accepted, c.Ingest(onTime))
}

func TestClassifier_TransitionsLoggedOnlyOnChange(t *testing.T) {
	clock := newFakeClock()
	var updates []classifier.Update
	c := newClassifier(t, clock, classifier.WithListener(func(u classifier.Update) {
		updates = append(updates, u)
	}))

	c.Ingest(reading(clock, 80))
	c.Ingest(reading(clock, 82))
	c.Ingest(reading(clock, 84))

	st := c.Status()
	require.Len(t, st.Log, 1)
	assert.Equal(t, classifier.KindTransition, st.Log[0].Kind)
	assert.Equal(t, classifier.LabelSteady, st.Log[0].Label)
	assert.Equal(t, "🟢 Calm/Steady - within normal range", st.Log[0].Message)

	require.Len(t, updates, 3)
	require.NotNil(t, updates[0].Entry)
	assert.Nil(t, updates[1].Entry)
	assert.Nil(t, updates[2].Entry)

	// 逐步升高到 Critical 档
	for _, v := range []float64{130, 170, 190, 200, 210, 220} {
		require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, v)))
	}
	st = c.Status()
	assert.Equal(t, classifier.LabelCritical, st.Label)
	labels := make([]classifier.Label, 0, len(st.Log))
	for _, e := range st.Log {
		labels = append(labels, e.Label)
	}
	// 最新在前
	assert.Equal(t, []classifier.Label{
		classifier.LabelCritical,
		classifier.LabelAnxious,
		classifier.LabelActive,
		classifier.LabelSteady,
	}, labels)
}

func TestClassifier_TransitionsLoggedOnDecreasingSequence(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	// 每个档位喂满一个窗口，相邻档位跳变不超过 60
	for _, v := range []float64{200, 170, 140, 100, 50} {
		for i := 0; i < 5; i++ {
			require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, v)), "value=%v", v)
		}
	}

	st := c.Status()
	assert.Equal(t, classifier.LabelAbnormal, st.Label)
	assert.Equal(t, 50, st.SmoothedBPM)

	labels := make([]classifier.Label, 0, len(st.Log))
	for _, e := range st.Log {
		assert.Equal(t, classifier.KindTransition, e.Kind)
		labels = append(labels, e.Label)
	}
	assert.Equal(t, []classifier.Label{
		classifier.LabelAbnormal,
		classifier.LabelSteady,
		classifier.LabelActive,
		classifier.LabelAnxious,
		classifier.LabelCritical,
	}, labels)
}

func TestClassifier_ExtremeReadingAfterSteadyRunIsSpike(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	var outcomes []classifier.Outcome
	for _, v := range []float64{90, 92, 91, 95, 249} {
		outcomes = append(outcomes, c.Ingest(reading(clock, v)))
	}

	// 95 -> 249 跳变 154，超过阈值
	assert.Equal(t, []classifier.Outcome{
		classifier.Accepted,
		classifier.Accepted,
		classifier.Accepted,
		classifier.Accepted,
		classifier.RejectedSpike,
	}, outcomes)

	st := c.Status()
	assert.Equal(t, []float64{90, 92, 91, 95}, st.Window)
	assert.Equal(t, 92, st.SmoothedBPM)
	assert.Equal(t, 95.0, st.RawBPM)
	assert.Equal(t, classifier.LabelSteady, st.Label)
}

func TestClassifier_JumpFrom90To200Rejected(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 90)))
	assert.Equal(t, classifier.RejectedSpike, c.Ingest(reading(clock, 200)))

	st := c.Status()
	assert.Equal(t, []float64{90}, st.Window)
	assert.Equal(t, 90, st.SmoothedBPM)
	assert.Equal(t, classifier.LabelSteady, st.Label)
	require.Len(t, st.Log, 1)
}

func TestClassifier_WindowInvariantsOverMixedFeed(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		var v float64
		switch rng.Intn(10) {
		case 0:
			v = math.NaN()
		case 1:
			v = 0
		case 2:
			v = float64(rng.Intn(400) - 50)
		default:
			v = float64(60 + rng.Intn(120))
		}
		c.Ingest(reading(clock, v))

		st := c.Status()
		require.LessOrEqual(t, len(st.Window), 5, "step %d", i)
		if len(st.Window) == 0 {
			continue
		}
		sum := 0.0
		for _, w := range st.Window {
			require.True(t, w >= 30 && w <= 250, "step %d window=%v", i, st.Window)
			sum += w
		}
		require.Equal(t, int(math.Round(sum/float64(len(st.Window)))), st.SmoothedBPM, "step %d window=%v", i, st.Window)
		require.LessOrEqual(t, len(st.Log), 25)
	}
}

func TestClassifier_LastAcceptedUnsetUntilFirstReading(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	raw, err := json.Marshal(c.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "last_accepted")
	assert.Nil(t, c.Status().LastAccepted)

	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 90)))
	st := c.Status()
	require.NotNil(t, st.LastAccepted)
	assert.Equal(t, clock.Now(), *st.LastAccepted)
}

func TestClassifier_RejectedReadingsDoNotNotify(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	c := newClassifier(t, clock, classifier.WithListener(func(classifier.Update) { calls++ }))

	c.Ingest(reading(clock, 0))
	c.Ingest(reading(clock, 500))
	assert.Equal(t, 0, calls)
}

func TestClassifier_LogCapacity(t *testing.T) {
	clock := newFakeClock()

	// 在 Steady 与 Abnormal 之间来回切换：窗口为 1 时每条都会改变状态
	cfg := classifier.DefaultConfig()
	cfg.WindowSize = 1
	c, err := classifier.New(cfg, classifier.WithClock(clock.Now))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 40; i++ {
		v := 65.0
		if i%2 == 1 {
			v = 55
		}
		require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, v)))
	}

	st := c.Status()
	require.Len(t, st.Log, cfg.LogCapacity)
	assert.Equal(t, int64(40), st.Log[0].Seq)
	assert.Equal(t, int64(16), st.Log[len(st.Log)-1].Seq)
	for i := 1; i < len(st.Log); i++ {
		assert.Greater(t, st.Log[i-1].Seq, st.Log[i].Seq)
	}
}

func TestClassifier_Confidence(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	c.Ingest(reading(clock, 80))
	assert.Equal(t, 50, c.Status().Confidence)

	c.Ingest(reading(clock, 80))
	assert.Equal(t, 100, c.Status().Confidence)

	c2 := newClassifier(t, clock)
	c2.Ingest(reading(clock, 60))
	c2.Ingest(reading(clock, 120))
	// 总体标准差 30 → 0
	assert.Equal(t, 0, c2.Status().Confidence)

	c3 := newClassifier(t, clock)
	c3.Ingest(reading(clock, 90))
	c3.Ingest(reading(clock, 96))
	// 标准差 3 → 90
	assert.Equal(t, 90, c3.Status().Confidence)
}

func TestClassifier_StaleTransition(t *testing.T) {
	clock := newFakeClock()
	var entries []classifier.LogEntry
	c := newClassifier(t, clock, classifier.WithListener(func(u classifier.Update) {
		if u.Entry != nil {
			entries = append(entries, *u.Entry)
		}
	}))

	// 从未收到读数时不会触发
	clock.Advance(time.Minute)
	assert.False(t, c.CheckStale(clock.Now()))

	c.Ingest(reading(clock, 100))
	c.Ingest(reading(clock, 102))
	require.True(t, c.Status().Online)

	clock.Advance(9 * time.Second)
	assert.False(t, c.CheckStale(clock.Now()))

	clock.Advance(time.Second)
	assert.True(t, c.CheckStale(clock.Now()))

	st := c.Status()
	assert.False(t, st.Online)
	assert.Equal(t, classifier.LabelUnset, st.Label)
	assert.Equal(t, 0, st.SmoothedBPM)
	assert.Equal(t, 0.0, st.RawBPM)
	assert.Empty(t, st.Window)
	require.Len(t, st.Log, 2)
	assert.Equal(t, classifier.KindStale, st.Log[0].Kind)

	// 持续无数据只记录一次
	clock.Advance(30 * time.Second)
	assert.False(t, c.CheckStale(clock.Now()))
	require.Len(t, entries, 2)

	// 恢复：窗口已清空，不与离线前的读数比较跳变
	require.Equal(t, classifier.Accepted, c.Ingest(reading(clock, 200)))
	st = c.Status()
	assert.True(t, st.Online)
	assert.Equal(t, classifier.LabelCritical, st.Label)
	require.Len(t, entries, 3)
	assert.Equal(t, classifier.KindTransition, entries[2].Kind)
}

func TestClassifier_ReadingResetsStaleTimer(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	c.Ingest(reading(clock, 90))
	clock.Advance(8 * time.Second)
	c.Ingest(reading(clock, 91))
	clock.Advance(8 * time.Second)
	assert.False(t, c.CheckStale(clock.Now()))
}

func TestClassifier_RejectedReadingsDoNotResetStaleTimer(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)

	c.Ingest(reading(clock, 90))
	clock.Advance(8 * time.Second)
	c.Ingest(reading(clock, 0))
	c.Ingest(reading(clock, 200))
	clock.Advance(2 * time.Second)
	assert.True(t, c.CheckStale(clock.Now()))
}

func TestClassifier_WatchdogRunsWithoutReadings(t *testing.T) {
	cfg := classifier.DefaultConfig()
	cfg.StaleTimeout = 50 * time.Millisecond
	cfg.StaleCheckInterval = 10 * time.Millisecond

	stale := make(chan struct{}, 1)
	c, err := classifier.New(cfg, classifier.WithListener(func(u classifier.Update) {
		if u.Entry != nil && u.Entry.Kind == classifier.KindStale {
			stale <- struct{}{}
		}
	}))
	require.NoError(t, err)

	c.Start(context.Background())
	c.Ingest(models.Reading{DogID: "dog-1", Value: 95, ReceivedAt: time.Now()})

	select {
	case <-stale:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not mark the classifier stale")
	}
	assert.False(t, c.Status().Online)

	c.Close()
	// Close 可重复调用
	c.Close()
}

func TestClassifier_CloseStopsProcessing(t *testing.T) {
	clock := newFakeClock()
	c := newClassifier(t, clock)
	c.Start(context.Background())

	c.Ingest(reading(clock, 90))
	c.Close()

	assert.Equal(t, classifier.RejectedClosed, c.Ingest(reading(clock, 95)))
	clock.Advance(time.Minute)
	assert.False(t, c.CheckStale(clock.Now()))
	assert.True(t, c.Status().Online)
}

func TestClassifier_CloseBeforeStart(t *testing.T) {
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	c.Close()
	c.Start(context.Background())
	c.Close()
}

func TestClassifier_ConcurrentIngestAndStaleCheck(t *testing.T) {
	clock := newFakeClock()

	var mu sync.Mutex
	var lastSeq int64
	ordered := true
	c := newClassifier(t, clock, classifier.WithListener(func(u classifier.Update) {
		if u.Entry == nil {
			return
		}
		mu.Lock()
		if u.Entry.Seq <= lastSeq {
			ordered = false
		}
		lastSeq = u.Entry.Seq
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Ingest(reading(clock, float64(60+(i+g)%50)))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			clock.Advance(100 * time.Millisecond)
			c.CheckStale(clock.Now())
		}
	}()
	wg.Wait()

	st := c.Status()
	assert.LessOrEqual(t, len(st.Window), classifier.DefaultConfig().WindowSize)
	assert.LessOrEqual(t, len(st.Log), classifier.DefaultConfig().LogCapacity)
	assert.True(t, ordered)
}
