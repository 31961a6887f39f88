// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/tarancss/fundpool/lib/msg"
	"github.com/tarancss/fundpool/lib/store"
)

// Amqp implements a connection to a broker and a channel for reuse. The channel is guarded as events are published
// from concurrent sweep batches.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to broker: %w", err)
	}

	return &Amqp{conn: conn}, nil
}

// Setup obtains an amqp channel and declares the message broker exchange:
//
// - fe ("fund events"): the custodian publishes every audit event to this exchange
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(msg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	r.mu.Unlock()

	return r.conn.Close()
}

func (r *Amqp) channel() (*amqp.Channel, error) {
	if r.ch == nil {
		ch, err := r.conn.Channel()
		if err != nil {
			return nil, err
		}

		r.ch = ch
	}

	return r.ch, nil
}

// PublishEvent publishes an event to the "fe" exchange. A failed publish drops the cached channel so that the next
// call opens a fresh one.
func (r *Amqp) PublishEvent(net string, e store.Event) error {
	// marshal to JSON
	jsonDoc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return err
	}
	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{"x-event-id": e.ID},
		Body:        jsonDoc,
		ContentType: "application/json",
		Timestamp:   e.Timestamp,
	}
	// publish
	if err = ch.Publish(msg.Exchange, msg.RoutingKey(net, e.Type), false, false, m); err != nil {
		_ = ch.Close()
		r.ch = nil

		return fmt.Errorf("[%s] error sending event to message broker: %w", net, err)
	}

	return nil
}

// GetEvents consumes events from the "fe" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function: it is locked when an
// event is delivered and the message is only acknowledged once the consumer unlocks it.
func (r *Amqp) GetEvents(net string, mut *sync.Mutex) (<-chan store.Event, <-chan error, error) {
	r.mu.Lock()
	ch, err := r.channel()
	r.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}
	// declare queue
	queue := msg.Exchange + net
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind(queue, msg.RoutingKey(net, "*"), msg.Exchange, false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving events
	msgs, err := ch.Consume(queue, "fundctl-"+net, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	// define channels to return
	eves := make(chan store.Event)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(eves)

		for m := range msgs {
			var e store.Event
			if err := json.Unmarshal(m.Body, &e); err != nil {
				errs <- err
				_ = m.Nack(false, false)

				continue
			}
			mut.Lock()
			eves <- e
			mut.Lock() // wait for the consumer to finish processing the event
			_ = m.Ack(false)
			mut.Unlock()
		}
	}()

	return eves, errs, nil
}

var _ msg.MsgBroker = (*Amqp)(nil)
