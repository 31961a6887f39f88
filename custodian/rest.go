package custodian

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const (
	readTimeout = 15 * time.Second
	// sweeps of large ranges outlive a regular request
	writeTimeout = 10 * time.Minute
)

// Router returns the RESTful API of the service.
func (c *Custodian) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", c.homeHandler)
	r.HandleFunc("/cron/rebalance", c.auth(c.rebalanceHandler)).Methods("GET", "POST") // run the threshold controller
	r.HandleFunc("/cron/clawback", c.auth(c.clawbackHandler)).Methods("GET", "POST")   // run a clawback sweep
	r.HandleFunc("/wallets", c.auth(c.walletsHandler)).Methods("POST")                 // generate a user wallet
	r.HandleFunc("/purchases/{address}", c.auth(c.purchaseHandler)).Methods("POST")    // record a purchase
	r.HandleFunc("/balances", c.auth(c.balancesHandler)).Methods("GET")                // role balances snapshot
	r.HandleFunc("/events", c.auth(c.eventsHandler)).Methods("GET")                    // recent audit events
	r.NotFoundHandler = http.HandlerFunc(c.notFoundHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(c.methodHandler)

	return r
}

// Init sets up and starts the http/https server to service the RESTful API. If sslPort, sslCert and sslKey are
// informed, it will start an https (TLS) server on the specified endpoint. It returns once Stop has been called.
func (c *Custodian) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	r := c.Router()

	// setup shutdown channel
	c.sc = make(chan struct{})

	// start http server
	if port != "" {
		c.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: writeTimeout,
			ReadTimeout:  readTimeout,
		}

		go func() {
			err = c.s.ListenAndServe()
		}()

		c.log.Info("listening to API http requests", "addr", endpoint+":"+port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		c.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: writeTimeout,
			ReadTimeout:  readTimeout,
		}

		go func() {
			errTLS = c.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		c.log.Info("listening to API https requests", "addr", endpoint+":"+sslPort)
	}
	// wait for servers to be shutdown
	<-c.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}

// Stop shuts down the http servers and closes gracefully the connections to message broker, chain and database.
func (c *Custodian) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	if c.s != nil {
		if err := c.s.Shutdown(ctx); err != nil {
			c.log.Error("error in http server shutdown", "error", err)
		}
	}

	if c.ss != nil {
		if err := c.ss.Shutdown(ctx); err != nil {
			c.log.Error("error in https server shutdown", "error", err)
		}
	}

	if c.sc != nil {
		close(c.sc) // close server channels to indicate shutdowns have finished
	}

	c.Close()
}
