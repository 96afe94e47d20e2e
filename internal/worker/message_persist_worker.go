package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherchat/internal/model"
	"gopherchat/internal/platform/rabbitmq"
	"gopherchat/internal/repository"
)

// MessageSink writes a message so that replaying the same message is a no-op.
// When the slot holds a different message the error wraps
// repository.ErrDuplicateSequence.
type MessageSink interface {
	AppendMessageIdempotent(ctx context.Context, msg *model.Message) error
}

// MessagePersistWorker retries model-message writes that failed at the end of
// a turn.
type MessagePersistWorker struct {
	conn      *amqp.Connection
	sink      MessageSink
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMessagePersistWorker(conn *amqp.Connection, sink MessageSink, queueName string, logger *slog.Logger) *MessagePersistWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagePersistWorker{
		conn:      conn,
		sink:      sink,
		queueName: queueName,
		logger:    logger.With("component", "message_persist_worker"),
	}
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				switch w.handle(workerCtx, d.Body, d.Redelivered) {
				case outcomeAck:
					_ = d.Ack(false)
				case outcomeRequeue:
					_ = d.Nack(false, true)
				default:
					_ = d.Nack(false, false)
				}
			}
		}
	}()

	return nil
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

// handle persists one delivery. A transient failure is retried once through
// redelivery; after that the message is dropped and logged.
func (w *MessagePersistWorker) handle(ctx context.Context, body []byte, redelivered bool) outcome {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("decode message failed", "err", err)
		return outcomeDrop
	}
	msg.ID = 0

	err := w.sink.AppendMessageIdempotent(ctx, &msg)
	switch {
	case err == nil:
		w.logger.Info("message persisted on retry", "collection_id", msg.CollectionID, "sequence", msg.Sequence)
		return outcomeAck
	case errors.Is(err, repository.ErrDuplicateSequence):
		w.logger.Error("message slot taken by different content", "collection_id", msg.CollectionID, "sequence", msg.Sequence)
		return outcomeDrop
	case !redelivered:
		w.logger.Warn("persist message failed, requeueing", "collection_id", msg.CollectionID, "sequence", msg.Sequence, "err", err)
		return outcomeRequeue
	default:
		w.logger.Error("persist message failed, dropping", "collection_id", msg.CollectionID, "sequence", msg.Sequence, "err", err)
		return outcomeDrop
	}
}

func (w *MessagePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
