package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/defistate/defistate-lending-go/streams/jsonrpc/client"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	token     ledger.Asset = "DVT"
	currency  ledger.Asset = "ETH"
	startUnix              = 1_700_000_000
	deadline  uint64       = startUnix + 300
)

var (
	provider     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	attacker     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	exchangeAddr = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*system.System, *rpc.Client) {
	t.Helper()
	sys, err := system.New(&system.Config{
		Assets: []ledger.AssetInfo{
			{ID: token, Name: "Damn Valuable Token", Decimals: 18},
			{ID: currency, Name: "Ether", Decimals: 18},
		},
		Token:           token,
		Currency:        currency,
		ExchangeAddress: exchangeAddr,
		PoolAddress:     poolAddr,
		Genesis: []ledger.Balance{
			{Asset: token, Account: provider, Amount: ether(10)},
			{Asset: currency, Account: provider, Amount: ether(10)},
			{Asset: token, Account: poolAddr, Amount: ether(100000)},
			{Asset: token, Account: attacker, Amount: ether(1000)},
			{Asset: currency, Account: attacker, Amount: ether(25)},
		},
		InitialLiquidity: &system.InitialLiquidity{Provider: provider, Currency: ether(10), Tokens: ether(10)},
		Clock:            clock.NewManual(time.Unix(startUnix, 0)),
		Logger:           testLogger(),
		Registry:         prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	svc, err := NewService(&Config{System: sys, Logger: testLogger()})
	require.NoError(t, err)

	server := rpc.NewServer()
	require.NoError(t, Register(server, svc))
	t.Cleanup(server.Stop)

	c := rpc.DialInProc(server)
	t.Cleanup(c.Close)
	return sys, c
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(&Config{Logger: testLogger()})
	assert.Error(t, err)
	_, err = NewService(&Config{System: &system.System{}})
	assert.Error(t, err)
}

func TestService_ManipulationOverRPC(t *testing.T) {
	_, c := newTestServer(t)

	var swap SwapResult
	require.NoError(t, c.Call(&swap, "defi_swapExactInput", attacker, token, ether(1000), uint256.NewInt(1), deadline))
	assert.Equal(t, "9900695134061569016", swap.Output.Dec())
	assert.Equal(t, uint64(1), swap.Receipt.Sequence)
	assert.NotEmpty(t, swap.Receipt.ID)

	var price uint256.Int
	require.NoError(t, c.Call(&price, "defi_spotPrice", token))
	assert.Equal(t, "98321649443991", price.Dec())

	var required uint256.Int
	require.NoError(t, c.Call(&required, "defi_calculateDepositRequired", ether(100000)))
	assert.Equal(t, "19664329888798200000", required.Dec())

	var balance uint256.Int
	require.NoError(t, c.Call(&balance, "defi_balanceOf", currency, attacker))

	var borrow BorrowResult
	require.NoError(t, c.Call(&borrow, "defi_borrow", attacker, ether(100000), &balance))
	assert.Equal(t, required.Dec(), borrow.Deposit.Dec())

	var quote uint256.Int
	require.NoError(t, c.Call(&quote, "defi_quoteExactOutput", token, ether(1000)))
	assert.Equal(t, "9960367696933900101", quote.Dec())

	var buyback SwapResult
	require.NoError(t, c.Call(&buyback, "defi_swapExactOutput", attacker, token, ether(1000), &quote, deadline))
	assert.Equal(t, quote.Dec(), buyback.Input.Dec())

	var reserve uint256.Int
	require.NoError(t, c.Call(&reserve, "defi_balanceOf", token, poolAddr))
	assert.True(t, reserve.IsZero())

	var pos *lending.Position
	require.NoError(t, c.Call(&pos, "defi_position", attacker))
	require.NotNil(t, pos)
	assert.Equal(t, ether(100000), pos.TokensBorrowed)

	var state struct {
		Sequence uint64 `json:"sequence"`
	}
	require.NoError(t, c.Call(&state, "defi_state"))
	assert.Equal(t, uint64(3), state.Sequence)

	var journal []json.RawMessage
	require.NoError(t, c.Call(&journal, "defi_journal", 1))
	assert.Len(t, journal, 2)
}

func TestService_Errors(t *testing.T) {
	_, c := newTestServer(t)

	testCases := []struct {
		name   string
		method string
		args   []any
		code   int
		kind   string
	}{
		{"oversized borrow", "defi_borrow", []any{attacker, ether(100001), ether(25)}, codeRejected, "InsufficientPoolLiquidity"},
		{"zero swap", "defi_swapExactInput", []any{attacker, token, uint256.NewInt(0), nil, deadline}, codeInvalidParams, "InvalidAmount"},
		{"expired swap", "defi_swapExactInput", []any{attacker, token, ether(1), nil, uint64(startUnix - 1)}, codeRejected, "Expired"},
		{"unknown asset", "defi_quoteExactInput", []any{"BTC", ether(1)}, codeInvalidParams, "UnknownAsset"},
		{"repay without position", "defi_repay", []any{attacker, ether(1)}, codeRejected, "NoPosition"},
		{"short on collateral", "defi_borrow", []any{attacker, ether(100), ether(1)}, codeRejected, "InsufficientCollateral"},
		{"exchange as trader", "defi_swapExactInput", []any{exchangeAddr, token, ether(9), nil, deadline}, codeInvalidParams, "InvalidCaller"},
		{"pool as liquidator", "defi_liquidate", []any{poolAddr, attacker}, codeInvalidParams, "InvalidCaller"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out json.RawMessage
			err := c.Call(&out, tc.method, tc.args...)
			require.Error(t, err)

			var rpcErr rpc.Error
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tc.code, rpcErr.ErrorCode())

			var dataErr rpc.DataError
			require.True(t, errors.As(err, &dataErr))
			assert.Equal(t, tc.kind, dataErr.ErrorData())
		})
	}

	var pos *lending.Position
	require.NoError(t, c.Call(&pos, "defi_position", attacker))
	assert.Nil(t, pos)

	var price uint256.Int
	require.NoError(t, c.Call(&price, "defi_spotPrice", token))
	assert.True(t, ether(1).Eq(&price), "rejected calls left the price at %s", price.Dec())
}

func TestToRPCError(t *testing.T) {
	testCases := []struct {
		err  error
		code int
		kind string
	}{
		{calculator.ErrNilAmount, codeInvalidParams, "InvalidAmount"},
		{fmt.Errorf("creating exchange: %w", calculator.ErrInvalidFee), codeInvalidParams, "InvalidFee"},
		{uniswapv1.ErrInvalidCaller, codeInvalidParams, "InvalidCaller"},
		{lending.ErrInsufficientCollateral, codeRejected, "InsufficientCollateral"},
		{errors.New("boom"), codeInternal, "Internal"},
	}
	for _, tc := range testCases {
		t.Run(tc.kind, func(t *testing.T) {
			var rpcErr *Error
			require.ErrorAs(t, toRPCError(tc.err), &rpcErr)
			assert.Equal(t, tc.code, rpcErr.ErrorCode())
			assert.Equal(t, tc.kind, rpcErr.Kind)
			assert.ErrorIs(t, rpcErr, tc.err)
		})
	}
	assert.NoError(t, toRPCError(nil))
}

func TestService_SubscribeStateStream(t *testing.T) {
	sys, c := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rawCh := make(chan json.RawMessage, 4)
	sub, err := c.Subscribe(ctx, client.RpcNamespace, rawCh, client.StateStreamSubscriptionMethod)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ops := sys.StateOps()
	sp := client.NewStreamProcessor(testLogger(), 4, ops.Patch, ops.DecodeStateJSON, ops.DecodeStateDiffJSON)

	next := func() json.RawMessage {
		select {
		case raw := <-rawCh:
			return raw
		case err := <-sub.Err():
			t.Fatalf("subscription failed: %v", err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream event")
		}
		return nil
	}

	require.NoError(t, sp.ProcessMessage(next()))
	full := <-sp.State()
	assert.Equal(t, uint64(0), full.Sequence)

	_, _, err = sys.SwapExactInput(attacker, token, ether(1000), nil, deadline)
	require.NoError(t, err)

	raw := next()
	var event client.SubscriptionEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, client.EventDiff, event.Type)

	require.NoError(t, sp.ProcessMessage(raw))
	patched := <-sp.State()
	assert.Equal(t, sys.State(), patched)
}
