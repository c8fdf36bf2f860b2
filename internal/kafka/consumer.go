package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
)

// AttemptHandler plays observed attempt commands
type AttemptHandler interface {
	Play(ctx context.Context, req domain.AttemptRequest) (*domain.AttemptResult, error)
}

// Consumer consumes attempt requests from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	processor     *batchProcessor
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler AttemptHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		processor:     &batchProcessor{handler: handler, logger: logger},
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim collects attempt requests into batches. Offsets are marked only
// after the batch holding them was played.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]domain.AttemptRequest, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.consumer.processor.process(ctx, batch)
			cancel()
			batch = batch[:0]
		}
		if last != nil {
			session.MarkMessage(last, "")
			last = nil
		}
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			last = message

			req, err := decodeAttempt(message.Value)
			if err != nil {
				logger.Warn("skipping attempt message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, req)
			if len(batch) >= cfg.BatchSize {
				flush()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// decodeAttempt parses and validates one message payload
func decodeAttempt(value []byte) (domain.AttemptRequest, error) {
	var req domain.AttemptRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return req, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if req.ParticipantID == 0 {
		return req, fmt.Errorf("%w: participant_id is required", domain.ErrInvalidRequest)
	}
	if req.ScopeKind == "" {
		return req, fmt.Errorf("%w: scope_kind is required", domain.ErrInvalidRequest)
	}
	return req, nil
}

// batchProcessor plays a batch in arrival order. Per-request failures are
// logged and do not stop the batch.
type batchProcessor struct {
	handler AttemptHandler
	logger  *slog.Logger
}

// BatchStats counts the outcomes of one batch
type BatchStats struct {
	Played   int
	Cooldown int
	Skipped  int
	Failed   int
}

func (p *batchProcessor) process(ctx context.Context, batch []domain.AttemptRequest) BatchStats {
	var stats BatchStats
	for _, req := range batch {
		result, err := p.handler.Play(ctx, req)
		switch {
		case errors.Is(err, domain.ErrNotGroupScope):
			stats.Skipped++
		case err != nil:
			stats.Failed++
			p.logger.Error("failed to play attempt",
				"participant_id", req.ParticipantID,
				"scope_id", req.ScopeID,
				"error", err,
			)
		case result.Played:
			stats.Played++
		default:
			stats.Cooldown++
		}
	}
	p.logger.Debug("processed batch",
		"batch_size", len(batch),
		"played", stats.Played,
		"cooldown", stats.Cooldown,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats
}
