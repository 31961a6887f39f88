// Package ledger records audit events. Every event is appended to the event ledger of the store and then fanned out
// to the message broker when one is configured.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/msg"
	"github.com/tarancss/fundpool/lib/store"
)

// Config holds recorder configuration.
type Config struct {
	Store   store.EventLedger
	Broker  msg.MsgBroker // optional
	Network string
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Recorder writes events for one network.
type Recorder struct {
	cfg Config
	mu  sync.Mutex // serializes broker publishing
}

// New returns a Recorder. Clock and Logger default to the real clock and a discarding logger.
func New(cfg Config) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Recorder{cfg: cfg}
}

// Record appends an event of type typ. A store failure is returned to the caller; a broker failure is only logged as
// the store is the system of record.
func (r *Recorder) Record(ctx context.Context, typ string, meta map[string]interface{}) (store.Event, error) {
	if meta == nil {
		meta = map[string]interface{}{}
	}

	e := store.Event{
		ID:        uuid.NewString(),
		Network:   r.cfg.Network,
		Type:      typ,
		Metadata:  meta,
		Timestamp: r.cfg.Clock.Now().UTC(),
	}

	if err := r.cfg.Store.AppendEvent(ctx, e); err != nil {
		r.cfg.Logger.Error("failed to append event", "type", typ, "error", err)
		return e, fmt.Errorf("append %s event: %w", typ, err)
	}

	if r.cfg.Broker != nil {
		r.mu.Lock()
		err := r.cfg.Broker.PublishEvent(r.cfg.Network, e)
		r.mu.Unlock()

		if err != nil {
			r.cfg.Logger.Warn("failed to publish event", "type", typ, "id", e.ID, "error", err)
		}
	}

	r.cfg.Logger.Debug("event recorded", "type", typ, "id", e.ID)

	return e, nil
}
