package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

func (m testMessage) Topic() string          { return "option.valuations" }
func (m testMessage) Key() string            { return m.ID }
func (m testMessage) Value() ([]byte, error) { return json.Marshal(m) }

func mockConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	return cfg
}

func TestProducer_Send(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m testMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.ID != "42" {
			return errors.New("unexpected id")
		}
		return nil
	})

	p := newProducer(mp)
	require.NoError(t, p.Send(context.Background(), testMessage{ID: "42", Price: 6.08}))
	require.NoError(t, p.Close())

	assert.Equal(t, int64(1), p.Stats().SentCount)
	assert.Equal(t, int64(0), p.Stats().ErrorCount)
}

func TestProducer_ErrorsAreCounted(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	var failed atomic.Int32
	p := newProducer(mp)
	p.OnError = func(topic string, err error) {
		assert.Equal(t, "option.valuations", topic)
		failed.Add(1)
	}

	require.NoError(t, p.Send(context.Background(), testMessage{ID: "1"}))
	require.NoError(t, p.Close())

	assert.Equal(t, int64(1), p.Stats().ErrorCount)
	assert.Equal(t, int32(1), failed.Load())
}

func TestProducer_SendAfterClose(t *testing.T) {
	p := newProducer(mocks.NewAsyncProducer(t, mockConfig()))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.SendRaw(context.Background(), "t", "k", []byte("v"))
	require.ErrorIs(t, err, ErrProducerClosed)
}

func TestProducer_SendHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// 不设置期望: mock 的输入通道没有消费者时 Send 应随 ctx 超时返回
	mp := mocks.NewAsyncProducer(t, mockConfig())
	p := &Producer{producer: blockedProducer{mp}}
	err := p.SendRaw(ctx, "t", "k", []byte("v"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mp.Close())
}

// blockedProducer 输入通道永不就绪
type blockedProducer struct {
	sarama.AsyncProducer
}

func (blockedProducer) Input() chan<- *sarama.ProducerMessage {
	return make(chan *sarama.ProducerMessage)
}

func TestCompressionCodec(t *testing.T) {
	assert.Equal(t, sarama.CompressionZSTD, compressionCodec("zstd"))
	assert.Equal(t, sarama.CompressionNone, compressionCodec("brotli"))

	sc := DefaultProducerConfig([]string{"localhost:9092"}).saramaConfig()
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Errors)
}
