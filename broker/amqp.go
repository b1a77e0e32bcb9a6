package broker

import (
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}

const billingEventsExchange string = "billing_events"

const (
	entitlementChangedKey    string = "entitlement.changed"
	paymentRequestChangedKey        = "payment_request.changed"
	usageLimitReachedKey            = "usage.limit_reached"
)

// AMQPBroker publishes billing events via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a billing event Producer over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupEventsExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for billing events")
	}

	return broker, nil
}

func (a *AMQPBroker) setupEventsExchange() error {
	return a.channel.ExchangeDeclare(
		billingEventsExchange, // name
		"direct",              // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(routingKey string, body []byte) error {
	return a.channel.Publish(
		billingEventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func (a *AMQPBroker) publishJSON(routingKey string, event interface{}) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event into bytes")
	}
	if err := a.publishViaRoutingKey(routingKey, jsonBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish billing event")
	}
	return nil
}

// PublishEntitlementChanged broadcasts an entitlement transition
func (a *AMQPBroker) PublishEntitlementChanged(e *EntitlementChanged) error {
	return a.publishJSON(entitlementChangedKey, e)
}

// PublishPaymentRequestChanged broadcasts a payment request transition
func (a *AMQPBroker) PublishPaymentRequestChanged(e *PaymentRequestChanged) error {
	return a.publishJSON(paymentRequestChangedKey, e)
}

// PublishUsageLimitReached broadcasts a limit crossing
func (a *AMQPBroker) PublishUsageLimitReached(e *UsageLimitReached) error {
	return a.publishJSON(usageLimitReachedKey, e)
}
