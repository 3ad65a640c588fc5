package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"optcore/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Consumer subscribes to the market data and signal fanout exchanges and
// forwards each delivery to a Handler.
type Consumer struct {
	cfg     config.RabbitMQConfig
	handler Handler
	logger *logrus.Entry

	conn     *amqp.Connection
	channels []*amqp.Channel
	wg       sync.WaitGroup
}

func NewConsumer(cfg config.RabbitMQConfig, handler Handler, logger *logrus.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithField("component", "amqp_consumer"),
	}, nil
}

// Start connects and begins consuming every configured exchange.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn

	streams := []struct {
		name     streamType
		exchange string
	}{
		{streamCandles, c.cfg.CandlesExchange},
		{streamQuotes, c.cfg.QuotesExchange},
		{streamSignals, c.cfg.SignalsExchange},
	}
	for _, s := range streams {
		if s.exchange == "" {
			continue
		}
		if err := c.startStream(ctx, s.name, s.exchange); err != nil {
			c.Close()
			return err
		}
	}

	c.logger.WithFields(logrus.Fields{
		"candles": c.cfg.CandlesExchange,
		"quotes":  c.cfg.QuotesExchange,
		"signals": c.cfg.SignalsExchange,
	}).Info("rabbitmq consumer started")
	return nil
}

// Close stops consumption and waits for the delivery loops to exit.
func (c *Consumer) Close() error {
	for _, ch := range c.channels {
		_ = ch.Close()
	}
	c.channels = nil
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.wg.Wait()
	return err
}

func (c *Consumer) startStream(ctx context.Context, stream streamType, exchange string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel for %s: %w", stream, err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue for %s: %w", stream, err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s to %s: %w", queue.Name, exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos for %s: %w", stream, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("start consume for %s: %w", stream, err)
	}
	c.channels = append(c.channels, ch)
	c.wg.Add(1)
	go c.consumeLoop(ctx, stream, deliveries)
	return nil
}

// consumeLoop acks handled deliveries. A delivery that cannot be handled is
// dropped rather than requeued; market data is superseded by the next tick.
func (c *Consumer) consumeLoop(ctx context.Context, stream streamType, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.WithField("stream", stream.String())
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := Dispatch(c.handler, delivery.Body); err != nil {
				log.WithError(err).Warn("failed to process message")
				_ = delivery.Nack(false, false)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				log.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

type streamType string

func (s streamType) String() string {
	return string(s)
}

const (
	streamCandles streamType = "candles"
	streamQuotes  streamType = "quotes"
	streamSignals streamType = "signals"
)
