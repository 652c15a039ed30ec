// README: RabbitMQ connection and channel setup for the notification queue.
package infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQP struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

func NewAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQP{Conn: conn, Channel: ch}, nil
}

func (a *AMQP) Close() {
	if a.Channel != nil {
		a.Channel.Close()
	}
	if a.Conn != nil {
		a.Conn.Close()
	}
}
