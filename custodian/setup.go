package custodian

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tarancss/fundpool/lib/block"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/msg"
	"github.com/tarancss/fundpool/lib/msg/amqp"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/store/db"
)

// brokerRetryWait is how long to wait for the broker to be ready before the second and last connection attempt.
const brokerRetryWait = 10 * time.Second

// Setup validates conf, connects to the database, the message broker and the chain and returns the service. On error
// every connection already opened is closed.
func Setup(conf config.ServiceConfig, log *slog.Logger) (c *Custodian, err error) {
	if err = conf.Validate(); err != nil {
		return nil, err
	}

	// an invalid secret must stop the process before anything is opened
	d, err := derive.New(conf.Seed)
	if err != nil {
		return nil, err
	}

	var (
		dbConn store.DB
		mb     msg.MsgBroker
		bc     block.Chain
	)

	defer func() {
		if err == nil {
			return
		}

		if mb != nil {
			_ = mb.Close()
		}

		if bc != nil {
			bc.Close()
		}

		_ = db.Close(dbConn)
	}()

	// connect to database
	log.Info("connecting to database", "type", conf.DbType)

	if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
		return nil, fmt.Errorf("cannot connect to %s database: %w", conf.DbType, err)
	}

	// load message broker
	switch conf.MbType {
	case "amqp":
		var r *amqp.Amqp
		if r, err = amqp.New(conf.MbConn); err != nil {
			log.Warn("message broker not ready, retrying", "wait", brokerRetryWait, "error", err)
			time.Sleep(brokerRetryWait)

			if r, err = amqp.New(conf.MbConn); err != nil {
				return nil, fmt.Errorf("cannot connect to message broker: %w", err)
			}
		}

		mb = r

		if err = mb.Setup(); err != nil {
			return nil, fmt.Errorf("cannot setup message broker: %w", err)
		}
	default:
		log.Info("no message broker configured, events are only stored")
	}

	// load the blockchain
	if bc, err = block.Init(conf.Chain); err != nil {
		return nil, err
	}

	log.Info("blockchain client loaded", "net", conf.Chain.Name, "chainId", bc.ChainID())

	return New(conf, dbConn, mb, bc, d, log)
}
