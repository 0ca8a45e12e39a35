package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
	"github.com/iliyamo/variant-inventory-sync/internal/service"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	prefetch   = 50
)

// InventoryEvents is the part of the inventory service the consumer drives.
type InventoryEvents interface {
	OnInventoryChanged(ctx context.Context, inventoryItemID string, newLevel int) (service.SyncResult, error)
	OnOrderConfirmed(ctx context.Context, orderRef, variantID string, quantity int) (service.ConfirmResult, error)
	OnOrderCancelled(ctx context.Context, inventoryItemID string, quantity int) (service.SyncResult, error)
	RefreshProduct(ctx context.Context, p model.CatalogProduct) error
	RemoveProduct(ctx context.Context, productID string) error
}

// outcome is what happens to a delivery after processing.
type outcome int

const (
	ack outcome = iota
	requeue
	drop
)

// Consumer reads storefront events from a durable queue and applies them
// to the inventory service.
type Consumer struct {
	url   string
	queue string
	svc   InventoryEvents
	log   logrus.FieldLogger
}

// NewConsumer returns a consumer for queue on the broker at url.
func NewConsumer(url, queue string, svc InventoryEvents, log logrus.FieldLogger) *Consumer {
	return &Consumer{url: url, queue: queue, svc: svc, log: log.WithField("queue", queue)}
}

// Run connects, consumes and reconnects with exponential backoff until ctx
// is done.  It only returns once ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.WithError(err).WithField("retry_in", backoff.String()).Warn("broker dial failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Warn("consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "channel open")
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		c.log.WithError(err).Warn("set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "queue declare")
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "queue consume")
	}
	c.log.Info("consuming events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			switch c.process(ctx, d.Body) {
			case ack:
				_ = d.Ack(false)
			case requeue:
				_ = d.Nack(false, true)
			case drop:
				_ = d.Nack(false, false)
			}
		}
	}
}

// process applies one message and decides its fate.  Malformed messages are
// dropped; storage and catalog timeouts are requeued so a later attempt can
// succeed.
func (c *Consumer) process(ctx context.Context, body []byte) outcome {
	ev, err := decodeEnvelope(body)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed event")
		return drop
	}
	entry := c.log.WithField("type", ev.Type)

	if err := c.dispatch(ctx, ev); err != nil {
		if service.IsPersistence(err) || errors.Is(err, service.ErrCollaboratorTimeout) {
			entry.WithError(err).Warn("event failed, requeued")
			return requeue
		}
		entry.WithError(err).Error("event failed, dropped")
		return drop
	}
	entry.Debug("event applied")
	return ack
}

func (c *Consumer) dispatch(ctx context.Context, ev Envelope) error {
	switch ev.Type {
	case TypeInventoryChanged:
		_, err := c.svc.OnInventoryChanged(ctx, ev.InventoryItemID, *ev.Available)
		return err
	case TypeOrderConfirmed:
		_, err := c.svc.OnOrderConfirmed(ctx, model.OrderLineRef(ev.OrderID, ev.Line), ev.VariantID, ev.Quantity)
		return err
	case TypeOrderCancelled:
		_, err := c.svc.OnOrderCancelled(ctx, ev.InventoryItemID, ev.Quantity)
		return err
	case TypeProductUpdated:
		return c.svc.RefreshProduct(ctx, model.CatalogProduct{
			ProductID: ev.ProductID,
			Title:     ev.Title,
			Variants:  ev.Variants,
		})
	case TypeProductDeleted:
		return c.svc.RemoveProduct(ctx, ev.ProductID)
	}
	return errors.Wrapf(errMalformed, "unknown type %q", ev.Type)
}

// sleep waits d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
