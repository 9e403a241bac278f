package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/kafka"
	"github.com/flowbill/entitlements/internal/logger"
)

const (
	usageEventType        = "usage"
	verificationEventType = "verification"
	maxQuarantineAttempts = 5
)

type bufferedUsage struct {
	record   *entitlement.UsageRecord
	attempts int
}

type bufferedVerification struct {
	record   *entitlement.VerificationRecord
	attempts int
}

// Pipeline is the buffered analytics pipeline: reportUsage/verify
// calls enqueue records in-process, and each record is also published,
// best-effort, to Kafka (or the in-process gochannel). Flush writes the
// local buffer straight to Sink; nothing is read back from the
// subscriber, which is only closed on shutdown. Records survive a flush failure
// (they stay buffered and are retried next tick) but are quarantined
// to Quarantine after maxQuarantineAttempts so a permanently-broken
// record cannot block the buffer forever.
type Pipeline struct {
	cfg  *config.Configuration
	log  *logger.Logger
	sink Sink
	quar Quarantine

	publisher  message.Publisher
	subscriber message.Subscriber

	mu             sync.Mutex
	usageBuf       []*bufferedUsage
	verifyBuf      []*bufferedVerification
	seenIdempotent map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPipeline(cfg *config.Configuration, log *logger.Logger, sink Sink, quar Quarantine) (*Pipeline, error) {
	wmLogger := watermill.NewStdLogger(false, false)

	saramaConfig := kafka.GetSaramaConfig(cfg)

	publisher, err := wmkafka.NewPublisher(wmkafka.PublisherConfig{
		Brokers:               cfg.Kafka.Brokers,
		Marshaler:             wmkafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaConfig,
	}, wmLogger)
	if err != nil {
		return nil, err
	}

	subscriber, err := wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:               cfg.Kafka.Brokers,
		Unmarshaler:           wmkafka.DefaultMarshaler{},
		ConsumerGroup:         cfg.Kafka.ConsumerGroup,
		OverwriteSaramaConfig: saramaConfig,
	}, wmLogger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:            cfg,
		log:            log,
		sink:           sink,
		quar:           quar,
		publisher:      publisher,
		subscriber:     subscriber,
		seenIdempotent: make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// NewInProcessPipeline builds a Pipeline backed by an in-memory
// gochannel pub/sub instead of Kafka, for local development and
// tests that want the real enqueue/publish/flush path exercised
// without a broker.
func NewInProcessPipeline(cfg *config.Configuration, log *logger.Logger, sink Sink, quar Quarantine) *Pipeline {
	gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	return &Pipeline{
		cfg:            cfg,
		log:            log,
		sink:           sink,
		quar:           quar,
		publisher:      gc,
		subscriber:     gc,
		seenIdempotent: make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// EnqueueUsage publishes the record to Kafka (best-effort; publish
// failures still leave the record in the local buffer so Flush can
// retry landing it directly) and buffers it locally for the next flush.
// A single reportUsage call buffers one UsageRecord per attributed
// grant, all sharing the caller's idempotence key, so dedup is keyed
// on (idempotenceKey, grantID) rather than the idempotence key alone —
// keying on the key alone would drop every grant's record after the
// first for any report that spans more than one grant.
func (p *Pipeline) EnqueueUsage(ctx context.Context, record *entitlement.UsageRecord) {
	p.publishBestEffort(ctx, usageEventType, record)

	p.mu.Lock()
	defer p.mu.Unlock()
	dedupKey := record.IdempotenceKey + ":" + record.GrantID
	if _, dup := p.seenIdempotent[dedupKey]; dup {
		return
	}
	p.seenIdempotent[dedupKey] = struct{}{}
	p.usageBuf = append(p.usageBuf, &bufferedUsage{record: record})
	if len(p.usageBuf) > p.cfg.Analytics.BufferCapacity {
		p.usageBuf = p.usageBuf[len(p.usageBuf)-p.cfg.Analytics.BufferCapacity:]
	}
}

func (p *Pipeline) EnqueueVerification(ctx context.Context, record *entitlement.VerificationRecord) {
	p.publishBestEffort(ctx, verificationEventType, record)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyBuf = append(p.verifyBuf, &bufferedVerification{record: record})
	if len(p.verifyBuf) > p.cfg.Analytics.BufferCapacity {
		p.verifyBuf = p.verifyBuf[len(p.verifyBuf)-p.cfg.Analytics.BufferCapacity:]
	}
}

func (p *Pipeline) publishBestEffort(ctx context.Context, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorw("failed to marshal analytics record", "error", err, "kind", kind)
		return
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	msg.Metadata.Set("kind", kind)
	if err := p.publisher.Publish(p.cfg.Kafka.Topic, msg); err != nil {
		p.log.Warnw("failed to publish analytics record to kafka, relying on local buffer", "error", err, "kind", kind)
	}
}

// Run starts the periodic flush loop; call in a goroutine, stop with Close.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.Analytics.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.log.Errorw("analytics flush failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) Close() error {
	close(p.stopCh)
	<-p.doneCh
	_ = p.publisher.Close()
	_ = p.subscriber.Close()
	return p.sink.Close()
}

// Flush drains up to BatchSize buffered records of each kind, writing
// both batches to Sink concurrently. Records in a failed batch stay
// buffered for the next tick unless they have exceeded
// maxQuarantineAttempts, in which case they are archived and dropped.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	batchSize := p.cfg.Analytics.BatchSize
	usageBatch := takeUsage(&p.usageBuf, batchSize)
	verifyBatch := takeVerification(&p.verifyBuf, batchSize)
	p.mu.Unlock()

	if len(usageBatch) == 0 && len(verifyBatch) == 0 {
		return nil
	}

	pl := pool.New().WithContext(ctx)

	if len(usageBatch) > 0 {
		pl.Go(func(ctx context.Context) error {
			return p.flushUsage(ctx, usageBatch)
		})
	}
	if len(verifyBatch) > 0 {
		pl.Go(func(ctx context.Context) error {
			return p.flushVerification(ctx, verifyBatch)
		})
	}

	return pl.Wait()
}

func (p *Pipeline) flushUsage(ctx context.Context, batch []*bufferedUsage) error {
	records := make([]*entitlement.UsageRecord, len(batch))
	for i, b := range batch {
		records[i] = b.record
	}

	if err := p.sink.WriteUsage(ctx, records); err != nil {
		p.requeueOrQuarantine(ctx, usageEventType, batch)
		return err
	}

	p.mu.Lock()
	for _, b := range batch {
		delete(p.seenIdempotent, b.record.IdempotenceKey+":"+b.record.GrantID)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) flushVerification(ctx context.Context, batch []*bufferedVerification) error {
	records := make([]*entitlement.VerificationRecord, len(batch))
	for i, b := range batch {
		records[i] = b.record
	}

	if err := p.sink.WriteVerification(ctx, records); err != nil {
		p.requeueVerification(ctx, batch)
		return err
	}
	return nil
}

func (p *Pipeline) requeueOrQuarantine(ctx context.Context, kind string, batch []*bufferedUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range batch {
		b.attempts++
		if b.attempts >= maxQuarantineAttempts {
			raw, _ := json.Marshal(b.record)
			if err := p.quar.Archive(ctx, kind, b.record.IdempotenceKey, raw); err != nil {
				p.log.Errorw("failed to quarantine usage record", "error", err, "idempotence_key", b.record.IdempotenceKey)
			}
			delete(p.seenIdempotent, b.record.IdempotenceKey+":"+b.record.GrantID)
			continue
		}
		p.usageBuf = append(p.usageBuf, b)
	}
}

func (p *Pipeline) requeueVerification(ctx context.Context, batch []*bufferedVerification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range batch {
		b.attempts++
		if b.attempts >= maxQuarantineAttempts {
			raw, _ := json.Marshal(b.record)
			if err := p.quar.Archive(ctx, verificationEventType, b.record.RequestID, raw); err != nil {
				p.log.Errorw("failed to quarantine verification record", "error", err, "request_id", b.record.RequestID)
			}
			continue
		}
		p.verifyBuf = append(p.verifyBuf, b)
	}
}

func takeUsage(buf *[]*bufferedUsage, n int) []*bufferedUsage {
	if len(*buf) == 0 {
		return nil
	}
	if n > len(*buf) {
		n = len(*buf)
	}
	batch := (*buf)[:n]
	*buf = (*buf)[n:]
	return batch
}

func takeVerification(buf *[]*bufferedVerification, n int) []*bufferedVerification {
	if len(*buf) == 0 {
		return nil
	}
	if n > len(*buf) {
		n = len(*buf)
	}
	batch := (*buf)[:n]
	*buf = (*buf)[n:]
	return batch
}
