package custodian

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/tarancss/fundpool/controller"
	"github.com/tarancss/fundpool/sweeper"
)

const (
	defaultEvents = 50
	maxEvents     = 1000
)

// Errors returned to client requests.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadMethod    = errors.New("bad method in request")
	ErrNotFound     = errors.New("not found")
	ErrBadForce     = errors.New("invalid force flag")
	ErrBadEnd       = errors.New("invalid end index")
	ErrBadAddress   = errors.New("invalid address")
	ErrBadLimit     = errors.New("invalid limit")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  interface{} `json:"body,omitempty"`
	Error string      `json:"error,omitempty"`
}

// reply writes the JSON response and logs the request.
func (c *Custodian) reply(rw http.ResponseWriter, r *http.Request, status int, body interface{}, err error) {
	res := Response{Body: body}
	if err != nil {
		res.Error = err.Error()
	}

	log := c.log.With("remote", r.RemoteAddr, "method", r.Method, "uri", r.URL.Path, "status", status)
	if err != nil {
		log.Warn("httpreq", "error", err)
	} else {
		log.Info("httpreq")
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// auth only lets requests carrying the shared secret through, either as a bearer token or in the secret query
// parameter.
func (c *Custodian) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		given := r.URL.Query().Get("secret")
		if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
			given = strings.TrimPrefix(v, "Bearer ")
		}

		if c.conf.CronSecret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(c.conf.CronSecret)) != 1 {
			c.reply(rw, r, http.StatusUnauthorized, nil, ErrUnauthorized)
			return
		}

		h(rw, r)
	}
}

// homeHandler just replies a welcome message to the client.
func (c *Custodian) homeHandler(rw http.ResponseWriter, r *http.Request) {
	c.reply(rw, r, http.StatusOK, map[string]interface{}{
		"service": "fundpool custodian",
		"network": c.conf.Chain.Name,
		"dryRun":  c.conf.DryRun,
	}, nil)
}

func (c *Custodian) notFoundHandler(rw http.ResponseWriter, r *http.Request) {
	c.reply(rw, r, http.StatusNotFound, nil, ErrNotFound)
}

func (c *Custodian) methodHandler(rw http.ResponseWriter, r *http.Request) {
	c.reply(rw, r, http.StatusMethodNotAllowed, nil, ErrBadMethod)
}

// rebalanceHandler runs the threshold controller.
func (c *Custodian) rebalanceHandler(rw http.ResponseWriter, r *http.Request) {
	res := c.Rebalance(r.Context())

	status := http.StatusOK
	if res.Status == controller.StatusError {
		status = http.StatusInternalServerError
	}

	c.reply(rw, r, status, res, nil)
}

// clawbackHandler runs a clawback sweep. Query: force=true, end=<index> and target=<address>.
func (c *Custodian) clawbackHandler(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := sweeper.Request{TargetAddress: q.Get("target")}

	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			c.reply(rw, r, http.StatusBadRequest, nil, ErrBadForce)
			return
		}

		req.Force = force
	}

	if v := q.Get("end"); v != "" {
		end, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.reply(rw, r, http.StatusBadRequest, nil, ErrBadEnd)
			return
		}

		req.EndIndex = uint32(end)
	}

	if req.TargetAddress != "" && !common.IsHexAddress(req.TargetAddress) {
		c.reply(rw, r, http.StatusBadRequest, nil, ErrBadAddress)
		return
	}

	sum := c.Clawback(r.Context(), req)

	status := http.StatusOK
	if sum.Status == sweeper.StatusError {
		status = http.StatusInternalServerError
	}

	c.reply(rw, r, status, sum, nil)
}

// walletsHandler generates a new user wallet.
func (c *Custodian) walletsHandler(rw http.ResponseWriter, r *http.Request) {
	w, err := c.CreateWallet(r.Context())

	switch {
	case errors.Is(err, ErrFunding):
		c.reply(rw, r, http.StatusBadGateway, w, err)
	case err != nil:
		c.reply(rw, r, http.StatusServiceUnavailable, nil, err)
	default:
		c.reply(rw, r, http.StatusCreated, w, nil)
	}
}

// purchaseHandler records a completed purchase of the address.
func (c *Custodian) purchaseHandler(rw http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addr) {
		c.reply(rw, r, http.StatusBadRequest, nil, ErrBadAddress)
		return
	}

	if err := c.RecordPurchase(r.Context(), common.HexToAddress(addr)); err != nil {
		c.reply(rw, r, http.StatusServiceUnavailable, nil, err)
		return
	}

	c.reply(rw, r, http.StatusAccepted, map[string]string{"address": common.HexToAddress(addr).Hex()}, nil)
}

// balancesHandler replies the role balances.
func (c *Custodian) balancesHandler(rw http.ResponseWriter, r *http.Request) {
	b, err := c.Balances(r.Context())
	if err != nil {
		c.reply(rw, r, http.StatusServiceUnavailable, nil, err)
		return
	}

	c.reply(rw, r, http.StatusOK, b, nil)
}

// eventsHandler replies the most recent audit events. Query: limit=<n>.
func (c *Custodian) eventsHandler(rw http.ResponseWriter, r *http.Request) {
	limit := defaultEvents

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEvents {
			c.reply(rw, r, http.StatusBadRequest, nil, ErrBadLimit)
			return
		}

		limit = n
	}

	events, err := c.Events(r.Context(), limit)
	if err != nil {
		c.reply(rw, r, http.StatusServiceUnavailable, nil, err)
		return
	}

	c.reply(rw, r, http.StatusOK, events, nil)
}
