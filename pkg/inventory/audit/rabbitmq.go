package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig configures the audit exchange
// 監査イベント用RabbitMQの設定
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	PublishTimeout time.Duration
}

// channel is the subset of *amqp.Channel used for publishing
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes audit events to a durable topic exchange,
// routed by action
// 監査イベントをトピックエクスチェンジへ送信（ルーティングキーはアクション名）
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  channel
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

var _ inventory.AuditPublisher = (*RabbitMQPublisher)(nil)

// NewRabbitMQPublisher dials RabbitMQ and declares the exchange
// RabbitMQに接続しエクスチェンジを宣言
func NewRabbitMQPublisher(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗しました: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗しました: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("エクスチェンジ %s の宣言に失敗しました: %w", cfg.Exchange, err)
	}

	p := newRabbitMQPublisher(ch, cfg, logger)
	p.conn = conn
	p.logger.Info("RabbitMQに接続しました", zap.String("exchange", cfg.Exchange))
	return p, nil
}

func newRabbitMQPublisher(ch channel, cfg RabbitMQConfig, logger *zap.Logger) *RabbitMQPublisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQPublisher{
		channel:  ch,
		exchange: cfg.Exchange,
		timeout:  cfg.PublishTimeout,
		logger:   logger,
	}
}

// Publish sends event as persistent JSON
// イベントを永続化メッセージとして送信
func (p *RabbitMQPublisher) Publish(ctx context.Context, event inventory.AuditEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("監査イベントのシリアライズに失敗しました: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp.Channelは並行送信に対応していないため直列化する
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,           // exchange
		string(event.Action), // routing key
		false,                // mandatory
		false,                // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     event.ID,
			CorrelationId: event.ShipmentID,
			Timestamp:     event.Timestamp,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("監査イベントの送信に失敗しました: %w", err)
	}

	p.logger.Debug("監査イベント送信完了",
		zap.String("event_id", event.ID),
		zap.String("action", string(event.Action)),
		zap.String("shipment_id", event.ShipmentID),
	)
	return nil
}

// Close closes the channel and the connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.logger.Warn("チャネルのクローズに失敗しました", zap.Error(err))
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("RabbitMQ接続のクローズに失敗しました: %w", err)
		}
	}
	return nil
}
