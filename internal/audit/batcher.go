package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record 一条协作审计记录（加入、离开、加锁、解锁）
type Record struct {
	ID        uuid.UUID
	ProjectID string
	SessionID string
	UserID    string
	Event     string
	SectionID string
	Seq       int64
	CreatedAt time.Time
}

// Recorder 网关只依赖这个接口
type Recorder interface {
	Record(rec Record)
}

// Nop 未配置数据库时使用
type Nop struct{}

func (Nop) Record(Record) {}

// Sink 批量写入目标
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// BatcherConfig 批量写入配置
type BatcherConfig struct {
	BatchSize     int           // 批量大小阈值
	FlushInterval time.Duration // 强制刷新间隔
}

// Batcher 审计记录批量写入器
// 达到 BatchSize 或每隔 FlushInterval 写入一次，Stop 时写入剩余记录
type Batcher struct {
	sink     Sink
	config   BatcherConfig
	recChan  chan Record
	logger   *slog.Logger
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewBatcher 创建批量写入器
func NewBatcher(sink Sink, config BatcherConfig, logger *slog.Logger) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Batcher{
		sink:     sink,
		config:   config,
		recChan:  make(chan Record, config.BatchSize*10),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start 启动后台写入协程
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.worker(ctx)
	b.logger.Info("Audit batcher started",
		"batch_size", b.config.BatchSize,
		"flush_interval", b.config.FlushInterval)
}

// Stop 写入剩余记录后返回
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		b.logger.Info("Audit batcher stopped")
	})
}

// Record 异步记录，队列满时丢弃并告警，不阻塞事件处理
func (b *Batcher) Record(rec Record) {
	if rec.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	select {
	case b.recChan <- rec:
	default:
		b.logger.Warn("Audit queue full, record dropped",
			"project_id", rec.ProjectID,
			"event", rec.Event)
	}
}

// QueueSize 当前排队的记录数（用于监控）
func (b *Batcher) QueueSize() int {
	return len(b.recChan)
}

func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()

	batch := make([]Record, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = b.drain(batch)
			b.flush(context.Background(), batch)
			return
		case <-b.stopChan:
			batch = b.drain(batch)
			b.flush(context.Background(), batch)
			return
		case rec := <-b.recChan:
			batch = append(batch, rec)
			if len(batch) >= b.config.BatchSize {
				b.flush(ctx, batch)
				batch = make([]Record, 0, b.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]Record, 0, b.config.BatchSize)
			}
		}
	}
}

// drain 取出队列中剩余的记录
func (b *Batcher) drain(batch []Record) []Record {
	for {
		select {
		case rec := <-b.recChan:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (b *Batcher) flush(ctx context.Context, batch []Record) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := b.sink.WriteBatch(ctx, batch); err != nil {
		b.logger.Error("Audit batch flush failed",
			"count", len(batch),
			"error", err)
		return
	}
	b.logger.Debug("Audit batch flushed",
		"count", len(batch),
		"elapsed", time.Since(start))
}
