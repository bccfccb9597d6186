package events

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
	"strings"
)

type QueueManager struct {
	conn *amqp.Connection
}

func NewQueueManager(url string) (*QueueManager, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "problem connecting to amqp broker")
	}
	return &QueueManager{conn: conn}, nil
}

func (qm *QueueManager) Close() error {
	return qm.conn.Close()
}

func (qm *QueueManager) WithChannel(f func(channel *amqp.Channel) error) error {
	ch, err := qm.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return f(ch)
}

//
// AMQPPublisher sends events to a durable topic exchange. The routing key is
// work_unit.<status> so consumers can bind to terminal states only.
//
type AMQPPublisher struct {
	qm       *QueueManager
	exchange string
}

func NewAMQPPublisher(qm *QueueManager, exchange string) (*AMQPPublisher, error) {
	err := qm.WithChannel(func(channel *amqp.Channel) error {
		return channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "problem declaring exchange [%s]", exchange)
	}
	return &AMQPPublisher{qm: qm, exchange: exchange}, nil
}

func RoutingKey(event Event) string {
	return fmt.Sprintf("work_unit.%s", strings.ToLower(event.To))
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.qm.WithChannel(func(channel *amqp.Channel) error {
		return channel.Publish(
			p.exchange, RoutingKey(event), false, false, amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Timestamp:    event.ObservedAt,
				Body:         msg,
			},
		)
	})
}

func (p *AMQPPublisher) Close() error {
	return p.qm.Close()
}
