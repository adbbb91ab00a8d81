package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/trenfi/position-engine/internal/api"
	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/history"
	"github.com/trenfi/position-engine/internal/ledger"
	"github.com/trenfi/position-engine/internal/model"
	"github.com/trenfi/position-engine/internal/position"
	"github.com/trenfi/position-engine/internal/protocol"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

func addr(b byte) common.Address { return common.BytesToAddress([]byte{b}) }

type testEnv struct {
	sim    *ledger.Simulator
	store  *protocol.Store
	hist   *history.MemoryStore
	hub    *api.WSHub
	router http.Handler
}

// newTestEnv opens a (ratio 1.0 at price 200), b (2.0, the tracked user)
// and c (1.5), and serves them through a started protocol store.
func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	rules := position.DefaultRules()
	sim := ledger.NewSimulator(rules, d("200"), t0)
	require.NoError(t, sim.Open(addr(0xa), position.New(d("10"), d("2000"))))
	require.NoError(t, sim.Open(addr(0xb), position.New(d("20"), d("2000"))))
	require.NoError(t, sim.Open(addr(0xc), position.New(d("30"), d("4000"))))
	sim.SetBalances(addr(0xb), d("5"), d("1800"), d("0.5"))
	sim.SetFees(ledger.FeeState{BaseRate: d("0.01"), LastFeeOperation: t0})
	sim.Mine(t0.Add(12 * time.Second))

	ps := protocol.New(sim, sim, protocol.Config{
		Rules:           rules,
		Fees:            fees.DefaultParams(),
		User:            addr(0xb),
		FallbackRefresh: time.Hour,
		TickDebounce:    5 * time.Millisecond,
	})
	if start {
		stop := ps.Start()
		t.Cleanup(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, ps.WaitLoaded(ctx))
	}

	finder := hint.NewFinder(sim, sim, sim, hint.Options{
		MinimumNetDebt:    rules.MinimumNetDebt,
		SlippageTolerance: d("0.001"),
		Rand:              rand.New(rand.NewPCG(7, 7)),
	})
	hist := history.NewMemoryStore()
	hub := api.NewWSHub()
	svc := api.NewService(ps, finder, hist)

	return &testEnv{
		sim:    sim,
		store:  ps,
		hist:   hist,
		hub:    hub,
		router: api.NewRouter(svc, hub, 5*time.Second),
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

type previewBody struct {
	Kind         string              `json:"kind"`
	Params       map[string][]string `json:"params"`
	Original     position.Position   `json:"original"`
	Resulting    position.Position   `json:"resulting"`
	BorrowingFee fixed.Decimal       `json:"borrowingFee"`
	Valid        bool                `json:"valid"`
	Error        string              `json:"error"`
	Hints        *hint.Hints         `json:"hints"`
}

// --- State and fees ---

func TestGetState(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)

	st := decode[struct {
		BlockTag          uint64                `json:"blockTag"`
		Price             fixed.Decimal         `json:"price"`
		NumberOfPositions uint64                `json:"numberOfPositions"`
		Position          position.UserPosition `json:"position"`
		BorrowingRate     fixed.Decimal         `json:"borrowingRate"`
		Undercollateral   bool                  `json:"haveUndercollateralizedPositions"`
	}](t, w)
	require.Equal(t, uint64(1), st.BlockTag)
	require.True(t, st.Price.Equal(d("200")))
	require.Equal(t, uint64(3), st.NumberOfPositions)
	require.Equal(t, addr(0xb), st.Position.Owner)
	require.Equal(t, position.StatusOpen, st.Position.Status)
	require.True(t, st.Position.Position.Equal(position.New(d("20"), d("2000"))))
	require.True(t, st.BorrowingRate.Equal(d("0.015")))
	require.True(t, st.Undercollateral)
}

func TestGetState_NotLoaded(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, "GET", "/api/v1/state", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "loading", decode[map[string]string](t, w)["status"])
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, true)
	env.sim.SetPrice(d("210"))
	env.sim.Mine(t0.Add(time.Minute))

	w := env.do(t, "POST", "/api/v1/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.store.State().Price.Equal(d("210")))

	env.sim.SetReadError(context.DeadlineExceeded)
	w = env.do(t, "POST", "/api/v1/refresh", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGetFees(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/fees", nil)
	require.Equal(t, http.StatusOK, w.Code)
	base := decode[api.FeesResponse](t, w)
	require.True(t, base.BorrowingRate.Equal(d("0.015")))
	require.True(t, base.RedemptionRate.Equal(d("0.015")))
	require.True(t, base.BaseRate.Equal(d("0.01")))
	require.False(t, base.RecoveryMode)

	w = env.do(t, "GET", "/api/v1/fees?fraction=0.5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	half := decode[api.FeesResponse](t, w)
	require.True(t, half.RedemptionRate.Gt(base.RedemptionRate))
	require.True(t, half.BorrowingRate.Equal(base.BorrowingRate))

	for _, q := range []string{"2", "abc", "-0.1"} {
		w = env.do(t, "GET", "/api/v1/fees?fraction="+q, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// --- Change algebra ---

func TestDiff(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		from   position.Position
		to     position.Position
		kind   string
		params map[string][]string
	}{
		{
			name:   "deposit",
			from:   position.New(d("20"), d("2000")),
			to:     position.New(d("25"), d("2000")),
			kind:   "adjustment",
			params: map[string][]string{"depositCollateral": {"5"}},
		},
		{
			name:   "creation at zero rate",
			from:   position.Empty,
			to:     position.New(d("10"), d("2000")),
			kind:   "creation",
			params: map[string][]string{"depositCollateral": {"10"}, "borrowTrenUSD": {"1800"}},
		},
		{
			name: "unchanged",
			from: position.New(d("20"), d("2000")),
			to:   position.New(d("20"), d("2000")),
		},
	}

	zero := fixed.Zero
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/positions/diff", api.DiffRequest{From: tt.from, To: tt.to, BorrowingRate: &zero})
			require.Equal(t, http.StatusOK, w.Code)
			got := decode[previewBody](t, w)
			require.Equal(t, tt.kind, got.Kind)
			if tt.params != nil {
				require.Equal(t, tt.params, got.Params)
			}
		})
	}
}

func TestDiff_NeedsRateBeforeLoad(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "POST", "/api/v1/positions/diff", api.DiffRequest{To: position.New(d("10"), d("2000"))})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, "POST", "/api/v1/positions/diff", "not an object")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApply(t *testing.T) {
	env := newTestEnv(t, true)

	zero := fixed.Zero
	w := env.do(t, "POST", "/api/v1/positions/apply", api.ApplyRequest{
		Kind:          position.KindCreation,
		Params:        map[string]string{"depositCollateral": "10", "borrowTrenUSD": "1800"},
		BorrowingRate: &zero,
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]position.Position](t, w)
	require.True(t, got["position"].Equal(position.New(d("10"), d("2000"))))

	// Without an override the store's 1.5% applies.
	w = env.do(t, "POST", "/api/v1/positions/apply", api.ApplyRequest{
		Kind:   position.KindCreation,
		Params: map[string]string{"depositCollateral": "10", "borrowTrenUSD": "1800"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[map[string]position.Position](t, w)
	require.True(t, got["position"].Debt.Equal(d("2027")))

	w = env.do(t, "POST", "/api/v1/positions/apply", api.ApplyRequest{
		Kind:     position.KindClosure,
		Position: position.New(d("20"), d("2000")),
	})
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[map[string]position.Position](t, w)
	require.True(t, got["position"].IsEmpty())

	w = env.do(t, "POST", "/api/v1/positions/apply", api.ApplyRequest{Kind: "liquidation"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/positions/apply", api.ApplyRequest{
		Kind:   position.KindAdjustment,
		Params: map[string]string{"depositCollateral": "1", "withdrawCollateral": "1"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Previews ---

func TestPreviewCreate(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/positions/preview/create?depositCollateral=20&borrowTrenUSD=1800", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[previewBody](t, w)
	require.True(t, got.Valid, got.Error)
	require.Equal(t, "creation", got.Kind)
	require.True(t, got.Original.IsEmpty())
	require.True(t, got.Resulting.Equal(position.New(d("20"), d("2027"))))
	require.True(t, got.BorrowingFee.Equal(d("27")))
	require.NotNil(t, got.Hints)
	require.Equal(t, hint.Hints{Prev: addr(0xb), Next: addr(0xc)}, *got.Hints)
}

func TestPreviewCreate_Invalid(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/positions/preview/create?depositCollateral=5&borrowTrenUSD=1800", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[previewBody](t, w)
	require.False(t, got.Valid)
	require.Contains(t, got.Error, "ratio")
	require.Nil(t, got.Hints)

	w = env.do(t, "GET", "/api/v1/positions/preview/create?depositCollateral=20", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "GET", "/api/v1/positions/preview/create?depositCollateral=x&borrowTrenUSD=1800", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreviewAdjust(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/positions/preview/adjust?depositCollateral=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[previewBody](t, w)
	require.True(t, got.Valid, got.Error)
	require.True(t, got.Original.Equal(position.New(d("20"), d("2000"))))
	require.True(t, got.Resulting.Equal(position.New(d("25"), d("2000"))))
	require.True(t, got.BorrowingFee.IsZero())
	// The new position heads the list; b itself is never a hint.
	require.Equal(t, hint.Hints{Prev: addr(0xc), Next: addr(0xc)}, *got.Hints)

	// Repaying below the minimum debt is rejected by validation.
	w = env.do(t, "GET", "/api/v1/positions/preview/adjust?repayTrenUSD=100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[previewBody](t, w)
	require.False(t, got.Valid)
	require.NotEmpty(t, got.Error)

	w = env.do(t, "GET", "/api/v1/positions/preview/adjust", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreviewTarget(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "POST", "/api/v1/positions/target", position.New(d("20"), d("2000")))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[previewBody](t, w)
	require.True(t, got.Valid)
	require.Empty(t, got.Kind)

	w = env.do(t, "POST", "/api/v1/positions/target", position.New(d("30"), d("2000")))
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[previewBody](t, w)
	require.True(t, got.Valid, got.Error)
	require.Equal(t, "adjustment", got.Kind)
	require.Equal(t, map[string][]string{"depositCollateral": {"10"}}, got.Params)
	require.True(t, got.Resulting.Equal(position.New(d("30"), d("2000"))))
}

// --- Hints ---

func TestGetHints(t *testing.T) {
	env := newTestEnv(t, true)

	// Between b and c, but b is the user's own position.
	w := env.do(t, "GET", "/api/v1/hints?collateral=16&debt=2000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, hint.Hints{Prev: addr(0xc), Next: addr(0xc)}, decode[hint.Hints](t, w))

	w = env.do(t, "GET", "/api/v1/hints?collateral=7&debt=2000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, hint.Hints{Prev: addr(0xa), Next: addr(0xa)}, decode[hint.Hints](t, w), "tail insertion")

	w = env.do(t, "GET", "/api/v1/hints?collateral=16", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRedemption(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, "GET", "/api/v1/redemption?amount=2500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plan := decode[struct {
		RequestedAmount fixed.Decimal  `json:"requestedAmount"`
		Amount          fixed.Decimal  `json:"amount"`
		FirstHint       common.Address `json:"firstRedemptionHint"`
		PartialNICR     fixed.Decimal  `json:"partialRedemptionHintNICR"`
		MaxRate         fixed.Decimal  `json:"maxRedemptionRate"`
		Truncated       bool           `json:"truncated"`
	}](t, w)
	require.True(t, plan.Truncated)
	require.True(t, plan.RequestedAmount.Equal(d("2500")))
	require.True(t, plan.Amount.Equal(d("2000")))
	require.Equal(t, addr(0xc), plan.FirstHint)
	require.True(t, plan.PartialNICR.Equal(d("1")))
	require.True(t, plan.MaxRate.NonZero())

	w = env.do(t, "GET", "/api/v1/redemption?amount=2500&increase=true&maxRate=0.05", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plan = decode[struct {
		RequestedAmount fixed.Decimal  `json:"requestedAmount"`
		Amount          fixed.Decimal  `json:"amount"`
		FirstHint       common.Address `json:"firstRedemptionHint"`
		PartialNICR     fixed.Decimal  `json:"partialRedemptionHintNICR"`
		MaxRate         fixed.Decimal  `json:"maxRedemptionRate"`
		Truncated       bool           `json:"truncated"`
	}](t, w)
	require.False(t, plan.Truncated)
	require.True(t, plan.Amount.Equal(d("3800")))
	require.True(t, plan.MaxRate.Equal(d("0.05")))

	for _, q := range []string{"amount=0", "amount=abc", "amount=10&maxRate=1.5"} {
		w = env.do(t, "GET", "/api/v1/redemption?"+q, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// --- History ---

func TestHistory(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	owner := addr(0xb).Hex()

	rec := model.ChangeRecord{
		ID:         uuid.New(),
		Owner:      owner,
		BlockTag:   7,
		Fields:     []string{protocol.FieldPrice},
		Values:     map[string]json.RawMessage{protocol.FieldPrice: json.RawMessage(`"210"`)},
		RecordedAt: t0,
	}
	require.NoError(t, env.hist.Append(ctx, rec))
	other := rec
	other.ID = uuid.New()
	other.Owner = addr(0xc).Hex()
	require.NoError(t, env.hist.Append(ctx, other))

	w := env.do(t, "GET", "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]model.ChangeRecord](t, w)
	require.Len(t, list, 1)
	require.Equal(t, rec.ID, list[0].ID)

	w = env.do(t, "GET", "/api/v1/history?field=total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[[]model.ChangeRecord](t, w))

	w = env.do(t, "GET", "/api/v1/history/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, uint64(7), decode[model.ChangeRecord](t, w).BlockTag)

	w = env.do(t, "GET", "/api/v1/history/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	for _, target := range []string{"/api/v1/history/nope", "/api/v1/history?limit=-1", "/api/v1/history?from=x"} {
		w = env.do(t, "GET", target, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, false)
	router := api.NewRouter(api.NewService(env.store, nil, nil), nil, time.Second)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/history", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

// --- WebSocket ---

func TestWebSocket_BroadcastsChanges(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)
	env.store.Subscribe(env.hub.Observe)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.sim.SetPrice(d("210"))
	env.sim.Mine(t0.Add(time.Minute))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "state_changed", msg.Type)
	require.Equal(t, uint64(2), msg.BlockTag)
	require.Contains(t, msg.Changed, protocol.FieldPrice)
	require.Equal(t, "210", msg.Values[protocol.FieldPrice])
}
