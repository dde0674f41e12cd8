// Package audit delivers shipment audit events to the activity log.
package audit

import (
	"context"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"go.uber.org/zap"
)

// LogPublisher writes audit events to a zap logger
// 監査イベントをzapログに出力
type LogPublisher struct {
	logger *zap.Logger
}

var _ inventory.AuditPublisher = (*LogPublisher)(nil)

// NewLogPublisher creates a publisher writing to logger
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("audit")}
}

// Publish logs the event. It never fails.
func (p *LogPublisher) Publish(_ context.Context, event inventory.AuditEvent) error {
	p.logger.Info("監査イベント",
		zap.String("event_id", event.ID),
		zap.String("action", string(event.Action)),
		zap.String("company_id", event.CompanyID),
		zap.String("shipment_id", event.ShipmentID),
		zap.String("actor", event.Actor),
		zap.Time("timestamp", event.Timestamp),
		zap.Any("lines", event.Lines),
	)
	return nil
}

// MultiPublisher fans an event out to several publishers and returns the
// first error after trying all of them
// 複数の送信先へ監査イベントを配信
type MultiPublisher []inventory.AuditPublisher

// Publish delivers event to every publisher
func (m MultiPublisher) Publish(ctx context.Context, event inventory.AuditEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
