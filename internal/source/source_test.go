package source

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	mqttcommon "github.com/Hrithick25/smartcollar/common/mqtt"
	rediscommon "github.com/Hrithick25/smartcollar/common/redis"
	"github.com/Hrithick25/smartcollar/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodePayload_Formats(t *testing.T) {
	now := time.Date(2024, 9, 20, 8, 0, 0, 0, time.UTC)

	r, err := DecodePayload([]byte(`{"value": 92, "timestamp": 1726819200000}`), now)
	require.NoError(t, err)
	assert.Equal(t, 92.0, r.Value)
	assert.Equal(t, time.UnixMilli(1726819200000), r.Timestamp)
	assert.Equal(t, now, r.ReceivedAt)

	r, err = DecodePayload([]byte(`{"dog_id":"dog-1","collar_id":"C-1","value":"101.5"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "dog-1", r.DogID)
	assert.Equal(t, "C-1", r.CollarID)
	assert.Equal(t, 101.5, r.Value)
	assert.True(t, r.Timestamp.IsZero())

	r, err = DecodePayload([]byte(`88`), now)
	require.NoError(t, err)
	assert.Equal(t, 88.0, r.Value)

	r, err = DecodePayload([]byte(" 77\n"), now)
	require.NoError(t, err)
	assert.Equal(t, 77.0, r.Value)

	r, err = DecodePayload([]byte(`{"value":1,"timestamp":"2024-09-20T07:59:30Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Second), r.Timestamp.UTC())
}

func TestDecodePayload_NonNumericBecomesNaN(t *testing.T) {
	now := time.Now()
	for _, raw := range []string{`{"timestamp": 1}`, `{"value": null}`, `{"value": "abc"}`, `abc`, ``, `{"value": {}}`} {
		r, err := DecodePayload([]byte(raw), now)
		require.NoError(t, err, raw)
		assert.True(t, math.IsNaN(r.Value), raw)
		assert.False(t, r.HasValue(), raw)
	}

	_, err := DecodePayload([]byte(`{"value": 9`), now)
	require.Error(t, err)
}

func TestTopicSegment(t *testing.T) {
	assert.Equal(t, "C-001", topicSegment(DefaultMQTTTopic, "smartcollar/C-001/heartrate"))
	assert.Equal(t, "", topicSegment("smartcollar/heartrate", "smartcollar/heartrate"))
}

func TestSubscription_UnsubscribeOnce(t *testing.T) {
	calls := 0
	sub := newSubscription(func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, sub.Unsubscribe())
	require.Error(t, sub.Unsubscribe())
	assert.Equal(t, 1, calls)
}

func TestChanSource_DeliversInOrder(t *testing.T) {
	src := NewChanSource(16)
	ctx := context.Background()

	var mu sync.Mutex
	var got []float64
	sub, err := src.Subscribe(ctx, func(r models.Reading) {
		mu.Lock()
		got = append(got, r.Value)
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, v := range []float64{80, 81, 82, 83} {
		require.NoError(t, src.Send(ctx, models.Reading{DogID: "dog-1", Value: v}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{80, 81, 82, 83}, got)

	_, err = src.Subscribe(ctx, func(models.Reading) {})
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	// 释放后可以重新订阅
	sub2, err := src.Subscribe(ctx, func(models.Reading) {})
	require.NoError(t, err)
	require.NoError(t, sub2.Unsubscribe())
}

func TestChanSource_SendRespectsContext(t *testing.T) {
	src := NewChanSource(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := src.Send(ctx, models.Reading{DogID: "dog-1", Value: 80})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeMQTT 记录订阅并允许测试直接投递消息
type fakeMQTT struct {
	mu           sync.Mutex
	handlers     map[string]mqttcommon.MessageHandler
	unsubscribed []string
	subErr       error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqttcommon.MessageHandler)}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, h mqttcommon.MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
		f.unsubscribed = append(f.unsubscribed, t)
	}
	return nil
}

func (f *fakeMQTT) deliver(pattern, topic string, payload []byte) error {
	f.mu.Lock()
	h := f.handlers[pattern]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(topic, payload)
}

type fakeResolver map[string]string

func (f fakeResolver) ResolveDog(_ context.Context, collarID string) (string, error) {
	if dogID, ok := f[collarID]; ok {
		return dogID, nil
	}
	return "", models.ErrCollarNotFound
}

func TestMQTTSource_ResolvesDogFromTopic(t *testing.T) {
	client := newFakeMQTT()
	src := NewMQTTSource(client, "", 1, fakeResolver{"C-001": "dog-1"}, zap.NewNop())

	var got []models.Reading
	sub, err := src.Subscribe(context.Background(), func(r models.Reading) {
		got = append(got, r)
	})
	require.NoError(t, err)

	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-001/heartrate", []byte(`{"value":95}`)))
	// 未绑定的项圈：跳过但不报错
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-999/heartrate", []byte(`{"value":95}`)))
	// 消息体自带 dog_id 时不查询
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-999/heartrate", []byte(`{"dog_id":"dog-2","value":70}`)))

	require.Len(t, got, 2)
	assert.Equal(t, "dog-1", got[0].DogID)
	assert.Equal(t, "C-001", got[0].CollarID)
	assert.Equal(t, 95.0, got[0].Value)
	assert.Equal(t, "dog-2", got[1].DogID)

	require.Error(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-001/heartrate", []byte(`{"value":`)))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{DefaultMQTTTopic}, client.unsubscribed)
}

type countingResolver struct {
	mu    sync.Mutex
	dogs  map[string]string
	calls int
}

func (r *countingResolver) ResolveDog(_ context.Context, collarID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if dogID, ok := r.dogs[collarID]; ok {
		return dogID, nil
	}
	return "", models.ErrCollarNotFound
}

func TestMQTTSource_CachesResolvedDogs(t *testing.T) {
	client := newFakeMQTT()
	resolver := &countingResolver{dogs: map[string]string{"C-001": "dog-1"}}
	src := NewMQTTSource(client, "", 1, resolver, zap.NewNop())
	now := time.Date(2024, 9, 20, 8, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	var got []string
	_, err := src.Subscribe(context.Background(), func(r models.Reading) {
		got = append(got, r.DogID)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-001/heartrate", []byte(`{"value":95}`)))
	}
	assert.Equal(t, 1, resolver.calls)

	// 未绑定的项圈每次都查询，绑定后立即生效
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-002/heartrate", []byte(`{"value":95}`)))
	resolver.mu.Lock()
	resolver.dogs["C-002"] = "dog-2"
	resolver.mu.Unlock()
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-002/heartrate", []byte(`{"value":95}`)))
	assert.Equal(t, 3, resolver.calls)

	// 过期后重新查询，拿到新的绑定
	resolver.mu.Lock()
	resolver.dogs["C-001"] = "dog-9"
	resolver.mu.Unlock()
	now = now.Add(DefaultResolveTTL)
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-001/heartrate", []byte(`{"value":95}`)))
	assert.Equal(t, 4, resolver.calls)

	assert.Equal(t, []string{"dog-1", "dog-1", "dog-1", "dog-1", "dog-1", "dog-2", "dog-9"}, got)
}

func TestMQTTSource_SubscribeError(t *testing.T) {
	client := newFakeMQTT()
	client.subErr = errors.New("not connected")
	src := NewMQTTSource(client, "", 1, nil, zap.NewNop())

	_, err := src.Subscribe(context.Background(), func(models.Reading) {})
	require.Error(t, err)
}

func TestMQTTSource_StopsAfterContextDone(t *testing.T) {
	client := newFakeMQTT()
	src := NewMQTTSource(client, "", 1, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := src.Subscribe(ctx, func(models.Reading) { calls++ })
	require.NoError(t, err)

	cancel()
	require.NoError(t, client.deliver(DefaultMQTTTopic, "smartcollar/C-1/heartrate", []byte(`{"dog_id":"dog-1","value":95}`)))
	assert.Equal(t, 0, calls)
}

func setupStreamRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStreamSource_ConsumesAndAcks(t *testing.T) {
	client := setupStreamRedis(t)
	ctx := context.Background()

	src := NewStreamSource(client, StreamConfig{
		Stream:   "smartcollar:heartrate:stream",
		Group:    "classifier",
		Consumer: "test",
		Block:    20 * time.Millisecond,
	}, zap.NewNop())

	var mu sync.Mutex
	var got []models.Reading
	sub, err := src.Subscribe(ctx, func(r models.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = rediscommon.PublishJSONToStream(ctx, client, "smartcollar:heartrate:stream",
		map[string]interface{}{"dog_id": "dog-1", "value": 90, "timestamp": time.Now().UnixMilli()}, 0)
	require.NoError(t, err)
	_, err = rediscommon.PublishJSONToStream(ctx, client, "smartcollar:heartrate:stream",
		map[string]interface{}{"collar_id": "C-1", "value": 90}, 0)
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, client, "smartcollar:heartrate:stream",
		map[string]interface{}{"data": "{broken"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return src.Metrics().MessagesProcessed == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "dog-1", got[0].DogID)
	assert.Equal(t, 90.0, got[0].Value)
	mu.Unlock()

	m := src.Metrics()
	assert.Equal(t, int64(1), m.MessagesSucceeded)
	assert.Equal(t, int64(1), m.MessagesSkipped)
	assert.Equal(t, int64(1), m.ErrorsParse)

	// 全部已确认
	pending, err := client.XPending(ctx, "smartcollar:heartrate:stream", "classifier").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamSource_UnsubscribeStopsLoop(t *testing.T) {
	client := setupStreamRedis(t)

	src := NewStreamSource(client, StreamConfig{
		Stream:        "hr",
		Group:         "grp",
		Consumer:      "c1",
		Block:         10 * time.Millisecond,
		MetricsReport: 5 * time.Millisecond,
	}, zap.NewNop())

	sub, err := src.Subscribe(context.Background(), func(models.Reading) {})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = sub.Unsubscribe()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
}
