package custodian

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundpool/controller"
	"github.com/tarancss/fundpool/lib/block/memchain"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/store/memory"
	"github.com/tarancss/fundpool/sweeper"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	secret       = "s3cret"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000070c3")

type fixture struct {
	chain *memchain.Chain
	db    *memory.Memory
	c     *Custodian
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conf := config.Default()
	conf.DbType = "memory"
	conf.MbType = ""
	conf.Seed = testMnemonic
	conf.CronSecret = secret
	conf.Chain = config.ChainConfig{Name: "local", Node: "memory://", ChainID: 31337, Token: token.Hex(),
		TokenDecimals: 0}
	conf.Thresholds.UserFundAmount = "5"
	conf.Sweep.GracePeriod = config.Duration{}
	require.NoError(t, conf.Validate())

	d, err := derive.New(conf.Seed)
	require.NoError(t, err)

	f := &fixture{chain: memchain.New(conf.Chain.ChainID), db: memory.New()}
	f.chain.AddToken(token, 0)

	f.c, err = New(conf, f.db, nil, f.chain, d, nil)
	require.NoError(t, err)

	f.srv = httptest.NewServer(f.c.Router())
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fixture) do(t *testing.T, method, uri, bearer string) (int, Response, json.RawMessage) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+uri, nil)
	require.NoError(t, err)

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json;charset=utf8", resp.Header.Get("Content-Type"))

	var raw struct {
		Body  json.RawMessage `json:"body"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))

	return resp.StatusCode, Response{Error: raw.Error}, raw.Body
}

func TestAPI(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name, method, uri, bearer string
		status                    int
		errExp                    string
	}{
		{"home_0", http.MethodGet, "/", "", http.StatusOK, ""},
		{"notfound_0", http.MethodGet, "/nothing", "", http.StatusNotFound, ErrNotFound.Error()},
		{"rebalance_0", http.MethodGet, "/cron/rebalance", "", http.StatusUnauthorized, ErrUnauthorized.Error()},
		{"rebalance_1", http.MethodGet, "/cron/rebalance", "wrong", http.StatusUnauthorized, ErrUnauthorized.Error()},
		{"rebalance_2", http.MethodGet, "/cron/rebalance?secret=wrong", "", http.StatusUnauthorized,
			ErrUnauthorized.Error()},
		{"rebalance_3", http.MethodDelete, "/cron/rebalance", secret, http.StatusMethodNotAllowed,
			ErrBadMethod.Error()},
		{"clawback_0", http.MethodGet, "/cron/clawback?secret=" + secret + "&end=x", "", http.StatusBadRequest,
			ErrBadEnd.Error()},
		{"clawback_1", http.MethodGet, "/cron/clawback?force=maybe", secret, http.StatusBadRequest,
			ErrBadForce.Error()},
		{"clawback_2", http.MethodGet, "/cron/clawback?target=0x12", secret, http.StatusBadRequest,
			ErrBadAddress.Error()},
		{"wallets_0", http.MethodGet, "/wallets", secret, http.StatusMethodNotAllowed, ErrBadMethod.Error()},
		{"purchases_0", http.MethodPost, "/purchases/0x12", secret, http.StatusBadRequest, ErrBadAddress.Error()},
		{"events_0", http.MethodGet, "/events?limit=abc", secret, http.StatusBadRequest, ErrBadLimit.Error()},
		{"events_1", http.MethodGet, "/events?limit=5000", secret, http.StatusBadRequest, ErrBadLimit.Error()},
		{"events_2", http.MethodGet, "/events", secret, http.StatusOK, ""},
	}

	for _, c := range cases {
		s, res, _ := f.do(t, c.method, c.uri, c.bearer)
		if s != c.status {
			t.Errorf("[%s] Error in StatusCode:%d expected:%d", c.name, s, c.status)
		} else if res.Error != c.errExp {
			t.Errorf("[%s] Error in response:%s expected:%s", c.name, res.Error, c.errExp)
		}
	}
}

func TestRebalance(t *testing.T) {
	f := newFixture(t)
	f.chain.SetTokenBalance(token, f.c.acc.Collection.Address, big.NewInt(5000))
	f.chain.SetTokenBalance(token, f.c.acc.Distributor.Address, big.NewInt(10000))

	s, res, body := f.do(t, http.MethodPost, "/cron/rebalance", secret)
	require.Equal(t, http.StatusOK, s, res.Error)

	var out controller.Result
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, controller.StatusCompleted, out.Status)
	assert.Equal(t, "4900", out.Withdrawal.Amount)
	assert.Equal(t, int64(4900), f.chain.TokenBalance(token, f.c.acc.Reserve.Address).Int64())

	s, _, body = f.do(t, http.MethodGet, "/cron/rebalance?secret="+secret, "")
	require.Equal(t, http.StatusOK, s)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, controller.StatusSufficient, out.Status)
}

func TestRebalance_ErrorStatus(t *testing.T) {
	f := newFixture(t)
	f.chain.FailBalance(f.c.acc.Collection.Address, errors.New("boom"))
	f.chain.FailBalance(f.c.acc.Distributor.Address, errors.New("boom"))

	s, _, body := f.do(t, http.MethodPost, "/cron/rebalance", secret)
	assert.Equal(t, http.StatusInternalServerError, s)

	var out controller.Result
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, controller.StatusError, out.Status)
}

func TestWalletsAndClawback(t *testing.T) {
	f := newFixture(t)
	f.chain.SetTokenBalance(token, f.c.acc.Distributor.Address, big.NewInt(12))

	var wallets []Wallet

	for i := 0; i < 2; i++ {
		s, res, body := f.do(t, http.MethodPost, "/wallets", secret)
		require.Equal(t, http.StatusCreated, s, res.Error)

		var w Wallet
		require.NoError(t, json.Unmarshal(body, &w))
		require.NotNil(t, w.Funding)
		wallets = append(wallets, w)
	}

	assert.Equal(t, uint32(1000), wallets[0].Index)
	assert.Equal(t, uint32(1001), wallets[1].Index)
	assert.Equal(t, int64(5), f.chain.TokenBalance(token, common.HexToAddress(wallets[0].Address)).Int64())
	assert.Len(t, f.db.EventsOfType(store.EventUserFunded), 2)

	// the distributor cannot fund a third wallet but the wallet is still returned
	s, res, body := f.do(t, http.MethodPost, "/wallets", secret)
	assert.Equal(t, http.StatusBadGateway, s)
	assert.Contains(t, res.Error, ErrFunding.Error())

	var w Wallet
	require.NoError(t, json.Unmarshal(body, &w))
	assert.Equal(t, uint32(1002), w.Index)

	// the first user purchased, the second is swept
	s, _, _ = f.do(t, http.MethodPost, "/purchases/"+wallets[0].Address, secret)
	require.Equal(t, http.StatusAccepted, s)

	s, res, body = f.do(t, http.MethodPost, "/cron/clawback?force=true", secret)
	require.Equal(t, http.StatusOK, s, res.Error)

	var sum sweeper.Summary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, sweeper.StatusCompleted, sum.Status)
	assert.Equal(t, sweeper.Range{Start: 1000, End: 1003}, sum.Range)
	assert.Equal(t, 1, sum.Purchased)
	assert.Equal(t, 1, sum.Reclaimed)
	assert.Equal(t, "5", sum.TotalReclaimed)
	assert.Equal(t, int64(5), f.chain.TokenBalance(token, f.c.acc.Collection.Address).Int64())

	// an end index past the issued accounts is capped
	s, res, body = f.do(t, http.MethodGet, "/cron/clawback?force=true&end=4000000000", secret)
	require.Equal(t, http.StatusOK, s, res.Error)

	sum = sweeper.Summary{}
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, sweeper.Range{Start: 1000, End: 1003}, sum.Range)
	assert.Equal(t, 3, sum.Examined)
	assert.Zero(t, sum.Reclaimed)
}

func TestBalances(t *testing.T) {
	f := newFixture(t)
	f.chain.SetTokenBalance(token, f.c.acc.Reserve.Address, big.NewInt(700))
	f.chain.SetTokenBalance(token, f.c.acc.Collection.Address, big.NewInt(20))

	s, res, body := f.do(t, http.MethodGet, "/balances", secret)
	require.Equal(t, http.StatusOK, s, res.Error)

	var b Balances
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, "700", b.Reserve)
	assert.Equal(t, "20", b.Collection)
	assert.Equal(t, "0", b.Distributor)
	assert.Equal(t, "720", b.Total)
	assert.Equal(t, f.c.acc.Operator.Address.Hex(), b.Addresses["operator"])

	f.chain.FailBalance(f.c.acc.Reserve.Address, errors.New("boom"))
	s, _, _ = f.do(t, http.MethodGet, "/balances", secret)
	assert.Equal(t, http.StatusServiceUnavailable, s)
}

func TestNew_InvalidThresholds(t *testing.T) {
	conf := config.Default()
	conf.Thresholds.WithdrawalBuffer = "5000"

	d, err := derive.New(testMnemonic)
	require.NoError(t, err)

	_, err = New(conf, memory.New(), nil, memchain.New(31337), d, nil)
	assert.ErrorIs(t, err, config.ErrThresholds)
}

func TestSetup(t *testing.T) {
	conf := config.Default()
	conf.DbType, conf.DbConn, conf.MbType = "memory", "", ""
	conf.Seed = testMnemonic
	conf.Chain = config.ChainConfig{Name: "local", Node: "memory://", ChainID: 31337, Token: token.Hex(),
		TokenDecimals: 6}

	c, err := Setup(conf, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, int64(31337), c.bc.ChainID().Int64())
	c.Close()

	conf.Seed = "not a mnemonic"
	_, err = Setup(conf, logger.Discard())
	assert.ErrorIs(t, err, derive.ErrBadSecret)

	conf.Seed = ""
	_, err = Setup(conf, logger.Discard())
	assert.ErrorIs(t, err, config.ErrMissingSecret)
}
