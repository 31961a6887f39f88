// Package msg defines the interface for different message brokers. Brokers fan out the audit events written to the
// event ledger so that dashboards and alerting can follow the fund flow without polling the store.
package msg

import (
	"sync"

	"github.com/tarancss/fundpool/lib/store"
)

// Exchange is the topic exchange events are published to. Routing keys are "<net>.event.<event type>".
const Exchange = "fe"

// RoutingKey returns the routing key of an event of type typ on network net.
func RoutingKey(net, typ string) string {
	return net + ".event." + typ
}

// MsgBroker is implemented by every message broker backend.
type MsgBroker interface {
	Setup() error
	Close() error

	// methods for the custodian service
	PublishEvent(net string, e store.Event) error

	// methods for consumers (ie. fundctl events)
	GetEvents(net string, mut *sync.Mutex) (<-chan store.Event, <-chan error, error)
}
