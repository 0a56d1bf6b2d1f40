package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jayteemoney/stacksvestor/core/clock"
	"github.com/jayteemoney/stacksvestor/core/state"
	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/indexer"
	"github.com/jayteemoney/stacksvestor/native/bank"
	"github.com/jayteemoney/stacksvestor/native/common"
	"github.com/jayteemoney/stacksvestor/native/vesting"
	"github.com/jayteemoney/stacksvestor/recon"
	"github.com/jayteemoney/stacksvestor/storage"
)

const (
	testIssuer   = "vestctl"
	testAudience = "vestingd"
)

var (
	testSecret = []byte("rpc-test-secret")
	adminAddr  = [20]byte{0x01}
	aliceAddr  = [20]byte{0x0A}
	bobAddr    = [20]byte{0x0B}
)

type fixture struct {
	server  *Server
	handler http.Handler
	clock   *clock.Manual
	pauses  *common.Pauses
	token   *bank.Token
	engine  *vesting.Engine
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newFixture(t *testing.T, cfg Config, events EventLog) *fixture {
	t.Helper()
	ctx := context.Background()
	mgr := state.NewManager(storage.NewMemDB())
	meta, err := mgr.RegisterToken("VEST", "Vest Token", 18)
	require.NoError(t, err)
	require.NoError(t, mgr.SetBalance(adminAddr, "VEST", big.NewInt(1_000_000)))

	clk := clock.NewManual(100)
	engine := vesting.NewEngine(crypto.ModuleAddress("vesting"))
	engine.SetState(mgr)
	engine.SetHeightFunc(clk.Height)
	if store, ok := events.(*indexer.Store); ok {
		engine.SetEmitter(store)
	}
	require.NoError(t, engine.Initialize(ctx, adminAddr))
	require.NoError(t, engine.SetTokenContract(ctx, adminAddr, meta.Address))

	token, err := bank.NewToken(mgr, "VEST")
	require.NoError(t, err)

	if cfg.JWTSecret == nil {
		cfg.JWTSecret = testSecret
		cfg.JWTIssuer = testIssuer
		cfg.JWTAudience = testAudience
	}
	pauses := common.NewPauses()
	srv := NewServer(engine, token, events, pauses, cfg, nil)
	return &fixture{server: srv, handler: srv.Handler(), clock: clk, pauses: pauses, token: token, engine: engine}
}

func bearer(t *testing.T, subject [20]byte) string {
	t.Helper()
	token, err := IssueToken(testSecret, testIssuer, testAudience, subject, time.Minute)
	require.NoError(t, err)
	return token
}

func (f *fixture) call(t *testing.T, token, method string, params interface{}) (int, testResponse) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var resp testResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
	return rec.Code, resp
}

func addr(raw [20]byte) string { return crypto.FromRaw(raw).String() }

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"height":100`)
}

func TestGrantClaimLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	admin := bearer(t, adminAddr)
	alice := bearer(t, aliceAddr)

	status, resp := f.call(t, admin, "vesting_addBeneficiary", addBeneficiaryParams{
		Recipient: addr(aliceAddr), Amount: "500", UnlockHeight: 110,
	})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	status, resp = f.call(t, "", "vesting_getVestingInfo", beneficiaryParams{Beneficiary: addr(aliceAddr)})
	require.Equal(t, http.StatusOK, status)
	var info vestingInfoResult
	require.NoError(t, json.Unmarshal(resp.Result, &info))
	require.True(t, info.Exists)
	require.Equal(t, "500", info.Amount)
	require.False(t, info.Unlocked)
	require.Equal(t, uint64(100), info.CreatedAt)

	status, resp = f.call(t, alice, "vesting_claim", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, codeVestingPolicy, resp.Error.Code)

	f.clock.Set(110)
	status, resp = f.call(t, alice, "vesting_claim", nil)
	require.Equal(t, http.StatusOK, status)
	var claimed amountResult
	require.NoError(t, json.Unmarshal(resp.Result, &claimed))
	require.Equal(t, "500", claimed.Amount)

	status, resp = f.call(t, alice, "vesting_claim", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, codeVestingPolicy, resp.Error.Code)

	_, resp = f.call(t, "", "bank_getBalance", addressParams{Address: addr(aliceAddr)})
	var balance balanceResult
	require.NoError(t, json.Unmarshal(resp.Result, &balance))
	require.Equal(t, "500", balance.Balance)
	require.Equal(t, "VEST", balance.Symbol)

	_, resp = f.call(t, "", "vesting_getTotalVestingAmount", nil)
	require.NoError(t, json.Unmarshal(resp.Result, &claimed))
	require.Equal(t, "0", claimed.Amount)

	_, resp = f.call(t, "", "vesting_getTotalBeneficiaries", nil)
	require.JSONEq(t, "1", string(resp.Result))
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	admin := bearer(t, adminAddr)
	bob := bearer(t, bobAddr)

	_, resp := f.call(t, admin, "vesting_addBeneficiary", addBeneficiaryParams{
		Recipient: addr(aliceAddr), Amount: "10", UnlockHeight: 200,
	})
	require.Nil(t, resp.Error)

	cases := []struct {
		name   string
		token  string
		method string
		params interface{}
		status int
		code   int
	}{
		{"not admin", bob, "vesting_addBeneficiary", addBeneficiaryParams{Recipient: addr(bobAddr), Amount: "1", UnlockHeight: 200}, http.StatusForbidden, codeVestingForbidden},
		{"duplicate", admin, "vesting_addBeneficiary", addBeneficiaryParams{Recipient: addr(aliceAddr), Amount: "1", UnlockHeight: 200}, http.StatusConflict, codeVestingConflict},
		{"no record", bob, "vesting_claim", nil, http.StatusNotFound, codeVestingNotFound},
		{"zero amount", admin, "vesting_addBeneficiary", addBeneficiaryParams{Recipient: addr(bobAddr), Amount: "0", UnlockHeight: 200}, http.StatusBadRequest, codeInvalidParams},
		{"token already set", admin, "vesting_setTokenContract", setTokenParams{Token: addr([20]byte{0x99})}, http.StatusConflict, codeVestingConflict},
		{"insufficient balance", admin, "vesting_addBeneficiary", addBeneficiaryParams{Recipient: addr(bobAddr), Amount: "9999999", UnlockHeight: 200}, http.StatusBadGateway, codeVestingTransferFail},
		{"bad address", admin, "vesting_revoke", recipientParams{Recipient: "cosmos1xyz"}, http.StatusBadRequest, codeInvalidParams},
		{"bad amount", admin, "vesting_emergencyWithdraw", emergencyWithdrawParams{Amount: "1e3", Recipient: addr(bobAddr)}, http.StatusBadRequest, codeInvalidParams},
		{"negative amount", admin, "vesting_addBeneficiary", addBeneficiaryParams{Recipient: addr(bobAddr), Amount: "-5", UnlockHeight: 200}, http.StatusBadRequest, codeInvalidParams},
		{"negative airdrop entry", admin, "vesting_airdrop", airdropParams{Entries: []addBeneficiaryParams{
			{Recipient: addr(bobAddr), Amount: "100", UnlockHeight: 200},
			{Recipient: addr([20]byte{0x0C}), Amount: "-60", UnlockHeight: 200},
		}}, http.StatusBadRequest, codeInvalidParams},
		{"unknown field", "", "vesting_isBeneficiary", map[string]string{"who": "x"}, http.StatusBadRequest, codeInvalidParams},
		{"missing index", "", "vesting_getBeneficiaryAtIndex", indexParams{Index: 9}, http.StatusNotFound, codeVestingNotFound},
		{"unknown method", "", "vesting_mint", nil, http.StatusNotFound, codeMethodNotFound},
		{"no credentials", "", "vesting_claim", nil, http.StatusUnauthorized, codeUnauthorized},
		{"garbage token", "abc.def.ghi", "vesting_claim", nil, http.StatusUnauthorized, codeUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := f.call(t, tc.token, tc.method, tc.params)
			require.Equal(t, tc.status, status)
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code, resp.Error.Message)
		})
	}
}

func TestRejectsTokenForOtherAudience(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	token, err := IssueToken(testSecret, testIssuer, "someone-else", adminAddr, time.Minute)
	require.NoError(t, err)
	status, resp := f.call(t, token, "vesting_claim", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	forged, err := IssueToken([]byte("other-secret"), testIssuer, testAudience, adminAddr, time.Minute)
	require.NoError(t, err)
	status, _ = f.call(t, forged, "vesting_claim", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.pauses.Set("vesting", true)

	status, resp := f.call(t, bearer(t, adminAddr), "vesting_transferAdmin", transferAdminParams{NewAdmin: addr(bobAddr)})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, codeModulePaused, resp.Error.Code)

	// reads stay available
	status, resp = f.call(t, "", "vesting_getAdmin", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, fmt.Sprintf("%q", addr(adminAddr)), string(resp.Result))

	f.pauses.Set("vesting", false)
	status, _ = f.call(t, bearer(t, adminAddr), "vesting_transferAdmin", transferAdminParams{NewAdmin: addr(bobAddr)})
	require.Equal(t, http.StatusOK, status)
	_, resp = f.call(t, "", "vesting_getAdmin", nil)
	require.JSONEq(t, fmt.Sprintf("%q", addr(bobAddr)), string(resp.Result))
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1}, nil)
	status, _ := f.call(t, "", "vesting_getHeight", nil)
	require.Equal(t, http.StatusOK, status)
	status, resp := f.call(t, "", "vesting_getHeight", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestAirdropReportsSurplus(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	admin := bearer(t, adminAddr)

	status, resp := f.call(t, admin, "vesting_airdrop", airdropParams{Entries: []addBeneficiaryParams{
		{Recipient: addr(aliceAddr), Amount: "300", UnlockHeight: 150},
		{Recipient: addr(aliceAddr), Amount: "200", UnlockHeight: 150},
		{Recipient: addr(bobAddr), Amount: "100", UnlockHeight: 150},
	}})
	require.Equal(t, http.StatusOK, status, resp.Error)
	var result airdropResultJSON
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, 2, result.Accepted)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, "600", result.Transferred)
	require.Equal(t, "400", result.Locked)
	require.Equal(t, "200", result.Surplus)
	require.Equal(t, "skipped", result.Outcomes[1].Status)
	require.NotEmpty(t, result.Outcomes[1].Reason)

	_, resp = f.call(t, "", "vesting_getBeneficiaryAtIndex", indexParams{Index: 1})
	var at beneficiaryAtResult
	require.NoError(t, json.Unmarshal(resp.Result, &at))
	require.Equal(t, addr(bobAddr), at.Beneficiary)
}

func TestReconcileTracksCustody(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	admin := bearer(t, adminAddr)

	_, resp := f.call(t, admin, "vesting_airdrop", airdropParams{Entries: []addBeneficiaryParams{
		{Recipient: addr(aliceAddr), Amount: "300", UnlockHeight: 150},
		{Recipient: addr(aliceAddr), Amount: "200", UnlockHeight: 150},
		{Recipient: addr(bobAddr), Amount: "100", UnlockHeight: 150},
	}})
	require.Nil(t, resp.Error)

	status, resp := f.call(t, "", "vesting_reconcile", nil)
	require.Equal(t, http.StatusOK, status, resp.Error)
	var report recon.Report
	require.NoError(t, json.Unmarshal(resp.Result, &report))
	require.Equal(t, uint64(2), report.Beneficiaries)
	require.Equal(t, "400", report.Locked)
	require.Equal(t, "400", report.Outstanding)
	require.Equal(t, "600", report.Custody)
	require.Equal(t, "200", report.Surplus)
	require.True(t, report.Consistent)
	require.True(t, report.Backed)
	require.Len(t, report.Rows, 2)
	require.Equal(t, recon.StatusLocked, report.Rows[0].Status)

	f.clock.Set(150)
	_, resp = f.call(t, bearer(t, bobAddr), "vesting_claim", nil)
	require.Nil(t, resp.Error)
	_, resp = f.call(t, admin, "vesting_emergencyWithdraw", emergencyWithdrawParams{Amount: "250", Recipient: addr(adminAddr)})
	require.Nil(t, resp.Error)

	_, resp = f.call(t, "", "vesting_reconcile", nil)
	require.NoError(t, json.Unmarshal(resp.Result, &report))
	require.Equal(t, recon.StatusClaimable, report.Rows[0].Status)
	require.Equal(t, recon.StatusClaimed, report.Rows[1].Status)
	require.Equal(t, "300", report.Locked)
	require.Equal(t, "250", report.Custody)
	require.Equal(t, "-50", report.Surplus)
	require.False(t, report.Backed)
}

func TestListEvents(t *testing.T) {
	db, err := indexer.Open(indexer.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store, err := indexer.New(db, nil)
	require.NoError(t, err)

	f := newFixture(t, Config{}, store)
	_, resp := f.call(t, bearer(t, adminAddr), "vesting_addBeneficiary", addBeneficiaryParams{
		Recipient: addr(aliceAddr), Amount: "42", UnlockHeight: 120,
	})
	require.Nil(t, resp.Error)

	status, resp := f.call(t, "", "vesting_listEvents", listEventsParams{Beneficiary: addr(aliceAddr)})
	require.Equal(t, http.StatusOK, status)
	var entries []indexer.Entry
	require.NoError(t, json.Unmarshal(resp.Result, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, vesting.EventTypeBeneficiaryAdded, entries[0].Type)
	require.Equal(t, "42", entries[0].Attributes["amount"])
}

func TestListEventsDisabled(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	status, resp := f.call(t, "", "vesting_listEvents", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, codeServerError, resp.Error.Code)
}

func TestEnvelopeValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty", "  ", codeInvalidRequest},
		{"not json", "{", codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"vesting_getHeight","id":1}`, codeInvalidRequest},
		{"no method", `{"jsonrpc":"2.0","id":1}`, codeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tc.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp testResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	l := newRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
	now = now.Add(visitorTTL)
	require.True(t, l.allow("b"))
	l.mu.Lock()
	_, kept := l.visitors["a"]
	l.mu.Unlock()
	require.False(t, kept)
}
