package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"btcfi/config"
	"btcfi/core"
	"btcfi/core/events"
	"btcfi/core/ledger"
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/gateway/middleware"
	nativecommon "btcfi/native/common"
	"btcfi/native/oracle"
	"btcfi/native/units"
	"btcfi/services/journal"
)

var (
	adminAddr  = crypto.DeriveAddress(crypto.AccountPrefix, "admin")
	aliceAddr  = crypto.DeriveAddress(crypto.AccountPrefix, "alice")
	bobAddr    = crypto.DeriveAddress(crypto.AccountPrefix, "bob")
	lenderAddr = crypto.DeriveAddress(crypto.AccountPrefix, "lender")
)

type harness struct {
	t       *testing.T
	node    *core.Node
	clock   *nativecommon.ManualClock
	bus     *events.Bus
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Admin = adminAddr.String()
	cfg.Genesis = []config.GenesisBalance{
		{Address: aliceAddr.String(), Asset: units.AssetBTC, Amount: "2"},
		{Address: lenderAddr.String(), Asset: units.AssetUSDT, Amount: "100000"},
		{Address: "module:rewards", Asset: units.AssetGOV, Amount: "1000000"},
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := journal.Open("sqlite", dsn)
	require.NoError(t, err)
	j, err := journal.New(db, nil)
	require.NoError(t, err)
	bus := events.NewBus(16)

	clock := nativecommon.NewManualClock(1_700_000_000)
	node, err := core.NewNode(cfg, nil, clock, nil, ledger.WithSinks(j, bus))
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))

	handler, err := New(Config{
		Node:          node,
		Events:        j,
		Bus:           bus,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{}, nil),
	})
	require.NoError(t, err)
	return &harness{t: t, node: node, clock: clock, bus: bus, handler: handler}
}

func (h *harness) do(method, path string, as crypto.Address, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if !as.IsZero() {
		req.Header.Set(middleware.HeaderAccount, as.String())
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), out), res.Body.String())
}

func (h *harness) publish(btc int64) {
	h.t.Helper()
	prices := map[units.AssetID]int64{units.AssetBTC: btc, units.AssetUSDT: 1, units.AssetUSDC: 1}
	for _, a := range config.Default().Oracle.Assets {
		h.node.Transport.Set(a.FeedID, oracle.RawPrice{Price: prices[a.Asset] * 100_000_000, Expo: -8, PublishTime: h.clock.Now()})
	}
	res := h.do(http.MethodPost, "/v1/oracle/refresh", aliceAddr, nil)
	require.Equal(h.t, http.StatusOK, res.Code, res.Body.String())
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodGet, "/healthz", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, res.Header().Get(middleware.HeaderRequestID))

	res = h.do(http.MethodGet, "/v1/status", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var status statusView
	decode(t, res, &status)
	require.Equal(t, uint64(1), status.Height)
	require.Equal(t, "genesis", status.Label)
	require.Len(t, status.Root, 64)
	require.Empty(t, status.Paused)
}

func TestStakeLifecycle(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/vault/stake", crypto.Address{}, stakeRequest{Amount: "1", Tier: 0})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "1", Tier: 0})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var staked map[string]uint64
	decode(t, res, &staked)
	id := staked["positionId"]

	h.clock.Advance(365 * 24 * 60 * 60)
	res = h.do(http.MethodGet, fmt.Sprintf("/v1/vault/positions/%d", id), crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var pos stakePositionView
	decode(t, res, &pos)
	require.Equal(t, "1", pos.Amount.Display)
	require.Equal(t, "100000000", pos.Amount.Units)
	require.True(t, pos.Active)
	// One year on the flexible tier at 3%.
	require.Equal(t, "3000000", pos.PendingRewards.Units)

	res = h.do(http.MethodPost, fmt.Sprintf("/v1/vault/positions/%d/unstake", id), bobAddr, nil)
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())
	var body errorBody
	decode(t, res, &body)
	require.Equal(t, nativecommon.KindState.String(), body.Kind)

	res = h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "0.0001", Tier: 0})
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())

	res = h.do(http.MethodGet, "/v1/accounts/"+aliceAddr.String()+"/balances", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var balances []balanceView
	decode(t, res, &balances)
	got := map[units.AssetID]string{}
	for _, b := range balances {
		got[b.Asset] = b.Units
	}
	require.Equal(t, "100000000", got[units.AssetBTC])
	require.Equal(t, "1000000000000000000", got[units.AssetStBTC])
}

func TestBorrowAndHealth(t *testing.T) {
	h := newHarness(t)
	h.publish(50_000)

	res := h.do(http.MethodPost, "/v1/lending/supply", lenderAddr, supplyRequest{Asset: units.AssetUSDT, Amount: "100000"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "1"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/lending/borrow", aliceAddr, borrowRequest{Asset: units.AssetUSDT, Amount: "41000", Collateral: "1"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/lending/borrow", aliceAddr, borrowRequest{Asset: units.AssetUSDT, Amount: "20000", Collateral: "1"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var borrowed map[string]uint64
	decode(t, res, &borrowed)

	res = h.do(http.MethodGet, fmt.Sprintf("/v1/lending/loans/%d", borrowed["loanId"]), crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var loan loanView
	decode(t, res, &loan)
	require.Equal(t, "20000", loan.Principal.Display)
	require.NotNil(t, loan.Health)
	require.Equal(t, units.Bps(4000), loan.Health.LTVBps)
	require.False(t, loan.Health.Liquidatable)

	res = h.do(http.MethodPost, fmt.Sprintf("/v1/lending/loans/%d/liquidate", borrowed["loanId"]), bobAddr, amountRequest{Amount: "100"})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	res = h.do(http.MethodGet, "/v1/lending/markets/usdt", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var market marketView
	decode(t, res, &market)
	require.Equal(t, "20000", market.TotalBorrowed.Display)
	require.Equal(t, units.Bps(2000), market.UtilisationBps)

	h.clock.Advance(2 * 60 * 60)
	res = h.do(http.MethodPost, "/v1/lending/borrow", aliceAddr, borrowRequest{Asset: units.AssetUSDT, Amount: "1", Collateral: "0.1"})
	require.Equal(t, http.StatusServiceUnavailable, res.Code, res.Body.String())
}

func TestAdminPauseRequiresRole(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/admin/pause", aliceAddr, pauseRequest{Module: "vault", Paused: true})
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/admin/pause", adminAddr, pauseRequest{Module: "vault", Paused: true})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "1"})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	res = h.do(http.MethodGet, "/v1/status", crypto.Address{}, nil)
	var status statusView
	decode(t, res, &status)
	require.Equal(t, []string{"vault"}, status.Paused)

	res = h.do(http.MethodPost, "/v1/admin/roles", adminAddr, roleRequest{Action: "grant", Role: "pauser", Address: bobAddr.String()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.do(http.MethodPost, "/v1/admin/pause", bobAddr, pauseRequest{Module: "vault", Paused: false})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestEventsPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		res := h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "0.1"})
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	}

	res := h.do(http.MethodGet, "/v1/events?limit=1000", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var all eventPage
	decode(t, res, &all)
	require.NotEmpty(t, all.Entries)
	staked := 0
	for _, e := range all.Entries {
		if e.Type == events.TypeVaultStaked {
			staked++
		}
	}
	require.Equal(t, 3, staked)

	res = h.do(http.MethodGet, "/v1/events?limit=2", crypto.Address{}, nil)
	var first eventPage
	decode(t, res, &first)
	require.Len(t, first.Entries, 2)
	require.Equal(t, first.Entries[1].Seq, first.Next)

	res = h.do(http.MethodGet, fmt.Sprintf("/v1/events?after=%d&limit=2", first.Next), crypto.Address{}, nil)
	var second eventPage
	decode(t, res, &second)
	require.NotEmpty(t, second.Entries)
	require.Equal(t, first.Next+1, second.Entries[0].Seq)

	res = h.do(http.MethodGet, "/v1/events?after=x", crypto.Address{}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?type=vault."
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := h.do(http.MethodPost, "/v1/vault/stake", aliceAddr, stakeRequest{Amount: "0.5"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeVaultStaked, evt.Type)
	require.Equal(t, uint64(2), evt.Height)
}
