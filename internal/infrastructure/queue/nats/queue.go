package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/resilience"
)

// Queue consumes scan events from one subject and publishes completion events on another.
type Queue struct {
	conn          *nats.Conn
	subject       string
	resultSubject string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject, resultSubject string) (*Queue, error) {
	return NewWithOptions(url, subject, resultSubject, Options{})
}

func NewWithOptions(url, subject, resultSubject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("cardmint-ocr"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		subject:       subject,
		resultSubject: resultSubject,
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishCompleted(ctx context.Context, event domain.ScanCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.resultSubject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeScans blocks until ctx is done, then drains the subscription.
// Scans are handled one at a time per process.
func (q *Queue) SubscribeScans(ctx context.Context, handler func(context.Context, domain.ScanEvent) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, "ocr-workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		event, err := DecodeScanEvent(msg.Data)
		if err != nil {
			q.logger.Error("scan_event_invalid", "error", err, "bytes", len(msg.Data))
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, event); err != nil {
			q.logger.Error("scan_handler_failed", "scan_id", event.ScanID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// DecodeScanEvent accepts a JSON scan event or a bare image path.
func DecodeScanEvent(data []byte) (domain.ScanEvent, error) {
	var event domain.ScanEvent
	trimmed := string(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(data, &event); err != nil {
			return domain.ScanEvent{}, domain.WrapError(domain.ErrInvalidInput, "decode scan event", err)
		}
	} else {
		event.ImagePath = trimmed
	}

	if event.ImagePath == "" {
		return domain.ScanEvent{}, domain.WrapError(domain.ErrInvalidInput, "decode scan event", errors.New("image_path is required"))
	}
	if event.ScanID == "" {
		event.ScanID = event.ImagePath
	}
	if event.SubmittedAt.IsZero() {
		event.SubmittedAt = time.Now().UTC()
	}
	return event, nil
}
