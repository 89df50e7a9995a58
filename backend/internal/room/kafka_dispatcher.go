package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// RoomEvent 每次房间状态被远端更新推进后发往 Kafka 的事件
type RoomEvent struct {
	EventType  string    `json:"eventType"` // 固定 "CANVAS_UPDATED"
	RoomID     string    `json:"roomId"`
	Revision   uint64    `json:"revision"`
	SenderID   string    `json:"senderId"`
	Seq        uint64    `json:"seq"`
	ElementIDs []string  `json:"elementIds"`
	AppliedAt  time.Time `json:"appliedAt"`
}

const EventCanvasUpdated = "CANVAS_UPDATED"

// EventSink 房间事件的去处
type EventSink interface {
	Enqueue(ctx context.Context, evt RoomEvent) error
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞中继主流程（Apply 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger

	queue chan RoomEvent
	wg    sync.WaitGroup
	once  sync.Once

	// sem 限制并发的 SendMessage 数量
	sem *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opt KafkaDispatcherOptions, log zerolog.Logger) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log,
		queue:       make(chan RoomEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 队列满时等待直到 ctx 结束；事件不要求必达
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RoomEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收并等待队列里的事件发完
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
		d.wg.Wait()
	})
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RoomEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Error().Err(err).
				Str("room", evt.RoomID).
				Uint64("revision", evt.Revision).
				Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次 x2，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RoomEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID), // 以 roomId 做 key，同一房间落在同一分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
