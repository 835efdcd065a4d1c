package uniswapv1

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	token    ledger.Asset = "DVT"
	currency ledger.Asset = "ETH"

	startUnix = 1_700_000_000
	deadline  = startUnix + 300
)

var (
	exchangeAddr = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	lp           = common.HexToAddress("0x0000000000000000000000000000000000001001")
	lp2          = common.HexToAddress("0x0000000000000000000000000000000000001002")
	trader       = common.HexToAddress("0x0000000000000000000000000000000000002001")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger() *ledger.MemoryLedger {
	return ledger.NewMemoryLedger([]ledger.AssetInfo{
		{ID: token, Name: "Damn Valuable Token", Decimals: 18},
		{ID: currency, Name: "Ether", Decimals: 18},
	})
}

func newTestExchange(t *testing.T, l ledger.Ledger) (*Exchange, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(startUnix, 0))
	ex, err := NewExchange(&Config{
		Address:  exchangeAddr,
		Token:    token,
		Currency: currency,
		Ledger:   l,
		Clock:    clk,
		Logger:   testLogger(),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return ex, clk
}

// seededExchange returns an exchange holding tokens/currency ether of liquidity from lp.
func seededExchange(t *testing.T, tokens, currencyAmount uint64) (*Exchange, *ledger.MemoryLedger, *clock.Manual) {
	t.Helper()
	l := newTestLedger()
	ex, clk := newTestExchange(t, l)
	require.NoError(t, l.Mint(token, lp, ether(tokens)))
	require.NoError(t, l.Mint(currency, lp, ether(currencyAmount)))
	_, err := ex.AddLiquidity(lp, ether(currencyAmount), ether(tokens), nil, deadline)
	require.NoError(t, err)
	return ex, l, clk
}

// assertReservesBacked checks that the reserves equal the exchange account's balances.
func assertReservesBacked(t *testing.T, ex *Exchange, l *ledger.MemoryLedger) {
	t.Helper()
	r := ex.Reserves()
	assert.True(t, r.Token.Eq(l.BalanceOf(token, exchangeAddr)), "token reserve %s != balance %s", r.Token.Dec(), l.BalanceOf(token, exchangeAddr).Dec())
	assert.True(t, r.Currency.Eq(l.BalanceOf(currency, exchangeAddr)), "currency reserve %s != balance %s", r.Currency.Dec(), l.BalanceOf(currency, exchangeAddr).Dec())
}

func TestNewExchange(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Address:  exchangeAddr,
			Token:    token,
			Currency: currency,
			Ledger:   newTestLedger(),
			Clock:    clock.System{},
			Logger:   testLogger(),
			Registry: prometheus.NewRegistry(),
		}
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"nil ledger", func(c *Config) { c.Ledger = nil }},
		{"nil clock", func(c *Config) { c.Clock = nil }},
		{"nil logger", func(c *Config) { c.Logger = nil }},
		{"nil registry", func(c *Config) { c.Registry = nil }},
		{"zero address", func(c *Config) { c.Address = common.Address{} }},
		{"missing token", func(c *Config) { c.Token = "" }},
		{"same assets", func(c *Config) { c.Currency = token }},
		{"fee above one", func(c *Config) { c.Fee = calculator.Fee{Numerator: 1001, Denominator: 1000} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			_, err := NewExchange(cfg)
			assert.Error(t, err)
		})
	}

	t.Run("zero fee defaults to 0.3%", func(t *testing.T) {
		ex, err := NewExchange(valid())
		require.NoError(t, err)
		assert.Equal(t, calculator.DefaultFee, ex.Fee())
	})
}

func TestSwapExactInput(t *testing.T) {
	t.Run("dumping tokens into a shallow pool", func(t *testing.T) {
		ex, l, _ := seededExchange(t, 10, 10)
		require.NoError(t, l.Mint(token, trader, ether(1000)))

		out, err := ex.SwapExactInput(trader, token, ether(1000), uint256.NewInt(1), deadline)
		require.NoError(t, err)
		assert.Equal(t, "9900695134061569016", out.Dec())

		r := ex.Reserves()
		assert.True(t, ether(1010).Eq(r.Token))
		assert.Equal(t, "99304865938430984", r.Currency.Dec())
		assert.True(t, out.Eq(l.BalanceOf(currency, trader)))
		assert.True(t, l.BalanceOf(token, trader).IsZero())
		assertReservesBacked(t, ex, l)
	})

	testCases := []struct {
		name        string
		input       ledger.Asset
		amount      *uint256.Int
		minOutput   *uint256.Int
		expire      bool
		expectedErr error
	}{
		{name: "zero input", input: token, amount: new(uint256.Int), expectedErr: ErrInvalidAmount},
		{name: "nil input", input: token, amount: nil, expectedErr: ErrInvalidAmount},
		{name: "expired", input: token, amount: ether(1), expire: true, expectedErr: ErrExpired},
		{name: "slippage bound", input: token, amount: ether(1), minOutput: ether(1), expectedErr: ErrInsufficientOutput},
		{name: "dust rounds to zero output", input: token, amount: uint256.NewInt(1), expectedErr: ErrInsufficientOutput},
		{name: "unknown asset", input: "USDC", amount: ether(1), expectedErr: ErrUnknownAsset},
		{name: "trader cannot pay", input: currency, amount: ether(1), expectedErr: ledger.ErrInsufficientBalance},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ex, l, clk := seededExchange(t, 10, 10)
			require.NoError(t, l.Mint(token, trader, ether(5)))
			if tc.expire {
				clk.Advance(301 * time.Second)
			}
			before := ex.View()
			balancesBefore := l.View()

			_, err := ex.SwapExactInput(trader, tc.input, tc.amount, tc.minOutput, deadline)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, before, ex.View(), "failed swap must not touch the pool")
			assert.Equal(t, balancesBefore, l.View(), "failed swap must not touch balances")
		})
	}

	t.Run("empty exchange", func(t *testing.T) {
		l := newTestLedger()
		ex, _ := newTestExchange(t, l)
		require.NoError(t, l.Mint(token, trader, ether(1)))
		_, err := ex.SwapExactInput(trader, token, ether(1), nil, deadline)
		assert.ErrorIs(t, err, ErrNoLiquidity)
	})

	t.Run("deadline equal to now is accepted", func(t *testing.T) {
		ex, l, _ := seededExchange(t, 10, 10)
		require.NoError(t, l.Mint(token, trader, ether(1)))
		_, err := ex.SwapExactInput(trader, token, ether(1), nil, startUnix)
		assert.NoError(t, err)
	})
}

func TestSwapExactOutput(t *testing.T) {
	t.Run("buying back after a dump", func(t *testing.T) {
		ex, l, _ := seededExchange(t, 10, 10)
		require.NoError(t, l.Mint(token, trader, ether(1000)))
		require.NoError(t, l.Mint(currency, trader, ether(25)))
		_, err := ex.SwapExactInput(trader, token, ether(1000), nil, deadline)
		require.NoError(t, err)
		currencyBefore := l.BalanceOf(currency, trader)

		quoted, err := ex.QuoteExactOutput(token, ether(1000))
		require.NoError(t, err)

		paid, err := ex.SwapExactOutput(trader, token, ether(1000), ether(25), deadline)
		require.NoError(t, err)
		assert.Equal(t, "9960367696933900101", paid.Dec())
		assert.True(t, quoted.Eq(paid))

		assert.True(t, ether(1000).Eq(l.BalanceOf(token, trader)))
		spent := new(uint256.Int).Sub(currencyBefore, l.BalanceOf(currency, trader))
		assert.True(t, paid.Eq(spent), "only the computed input is pulled")
		assertReservesBacked(t, ex, l)
	})

	testCases := []struct {
		name        string
		output      ledger.Asset
		amount      *uint256.Int
		maxInput    *uint256.Int
		expectedErr error
	}{
		{name: "zero output", output: token, amount: new(uint256.Int), expectedErr: ErrInvalidAmount},
		{name: "whole reserve", output: token, amount: ether(10), expectedErr: ErrInsufficientLiquidity},
		{name: "more than reserve", output: currency, amount: ether(11), expectedErr: ErrInsufficientLiquidity},
		{name: "input bound", output: token, amount: ether(1), maxInput: ether(1), expectedErr: ErrExcessiveInput},
		{name: "trader cannot pay", output: token, amount: ether(1), expectedErr: ledger.ErrInsufficientBalance},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ex, l, _ := seededExchange(t, 10, 10)
			before := ex.View()

			_, err := ex.SwapExactOutput(trader, tc.output, tc.amount, tc.maxInput, deadline)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, before, ex.View())
			assertReservesBacked(t, ex, l)
		})
	}
}

func TestConstantProductNeverDecreases(t *testing.T) {
	ex, l, _ := seededExchange(t, 10, 10)
	require.NoError(t, l.Mint(token, trader, ether(10_000)))
	require.NoError(t, l.Mint(currency, trader, ether(10_000)))

	amounts := []uint64{1, 7, 1_000, 123_456_789, 3_000_000_000_000_000, 4_200_000_000_000_000_000}
	for i := 0; i < 60; i++ {
		amount := uint256.NewInt(amounts[i%len(amounts)])
		asset := token
		if i%2 == 1 {
			asset = currency
		}
		before := ex.Reserves().Product()

		var err error
		if i%3 == 0 {
			_, err = ex.SwapExactOutput(trader, asset, amount, nil, deadline)
		} else {
			_, err = ex.SwapExactInput(trader, asset, amount, nil, deadline)
		}
		after := ex.Reserves().Product()

		if err != nil {
			assert.Equal(t, 0, before.Cmp(after), "step %d: failed swap changed the product", i)
			continue
		}
		assert.Equal(t, 1, after.Cmp(before), "step %d: product %s -> %s", i, before, after)
	}
	assertReservesBacked(t, ex, l)
}

func TestQuoteRoundTrip(t *testing.T) {
	ex, l, _ := seededExchange(t, 10, 10)
	require.NoError(t, l.Mint(currency, trader, ether(100)))

	for _, want := range []*uint256.Int{uint256.NewInt(1), uint256.NewInt(999), ether(1), ether(5)} {
		input, err := ex.QuoteExactOutput(token, want)
		require.NoError(t, err)

		got, err := ex.SwapExactInput(trader, currency, input, want, deadline)
		require.NoError(t, err, "paying the quoted %s must buy at least %s", input.Dec(), want.Dec())
		assert.False(t, got.Lt(want))
	}
}

func TestLiquidity(t *testing.T) {
	ex, l, _ := seededExchange(t, 10, 10)
	assert.True(t, ether(10).Eq(ex.LiquidityOf(lp)), "first provision mints one share per unit of currency")

	require.NoError(t, l.Mint(token, lp2, ether(100)))
	require.NoError(t, l.Mint(currency, lp2, ether(100)))

	t.Run("token bound", func(t *testing.T) {
		_, err := ex.AddLiquidity(lp2, ether(5), ether(5), nil, deadline)
		assert.ErrorIs(t, err, ErrExcessiveInput)
	})

	t.Run("minimum shares", func(t *testing.T) {
		_, err := ex.AddLiquidity(lp2, ether(5), ether(6), ether(6), deadline)
		assert.ErrorIs(t, err, ErrInsufficientLiquidityMinted)
	})

	t.Run("proportional deposit rounds tokens up", func(t *testing.T) {
		minted, err := ex.AddLiquidity(lp2, ether(5), ether(6), ether(5), deadline)
		require.NoError(t, err)
		assert.True(t, ether(5).Eq(minted))

		r := ex.Reserves()
		assert.Equal(t, "15000000000000000001", r.Token.Dec())
		assert.True(t, ether(15).Eq(r.Currency))
		assertReservesBacked(t, ex, l)
	})

	t.Run("burning more than held", func(t *testing.T) {
		_, _, err := ex.RemoveLiquidity(lp2, ether(6), nil, nil, deadline)
		assert.ErrorIs(t, err, ErrInsufficientShares)
	})

	t.Run("withdrawal slippage", func(t *testing.T) {
		_, _, err := ex.RemoveLiquidity(lp2, ether(5), ether(6), nil, deadline)
		assert.ErrorIs(t, err, ErrInsufficientOutput)
	})

	t.Run("proportional withdrawal", func(t *testing.T) {
		c, tok, err := ex.RemoveLiquidity(lp2, ether(5), ether(5), ether(5), deadline)
		require.NoError(t, err)
		assert.True(t, ether(5).Eq(c))
		assert.True(t, ether(5).Eq(tok))
		assert.True(t, ex.LiquidityOf(lp2).IsZero())
		assert.Len(t, ex.View().Shares, 1)
		assertReservesBacked(t, ex, l)
	})

	t.Run("last provider drains the pool", func(t *testing.T) {
		_, _, err := ex.RemoveLiquidity(lp, ether(10), nil, nil, deadline)
		require.NoError(t, err)
		view := ex.View()
		assert.True(t, view.TotalLiquidity.IsZero())
		assert.Empty(t, view.Shares)
		assertReservesBacked(t, ex, l)
	})
}

func TestSpotPrice(t *testing.T) {
	ex, l, _ := seededExchange(t, 10, 10)

	price, err := ex.SpotPrice(token)
	require.NoError(t, err)
	assert.True(t, calculator.PriceScale().Eq(price))

	require.NoError(t, l.Mint(token, trader, ether(1000)))
	_, err = ex.SwapExactInput(trader, token, ether(1000), nil, deadline)
	require.NoError(t, err)

	oraclePrice, err := ex.Oracle().Price(token)
	require.NoError(t, err)
	assert.Equal(t, "98321649443991", oraclePrice.Dec())

	_, err = ex.SpotPrice("USDC")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

// failingLedger wraps a ledger and fails its nth Transfer call.
type failingLedger struct {
	*ledger.MemoryLedger
	mu     sync.Mutex
	calls  int
	failOn int
}

var errLedgerDown = errors.New("ledger unavailable")

func (f *failingLedger) Transfer(asset ledger.Asset, from, to common.Address, amount *uint256.Int) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return errLedgerDown
	}
	return f.MemoryLedger.Transfer(asset, from, to, amount)
}

func TestExchangeRejectsOwnAccount(t *testing.T) {
	ex, l, _ := seededExchange(t, 10, 10)
	price, err := ex.SpotPrice(token)
	require.NoError(t, err)

	testCases := []struct {
		name string
		call func() error
	}{
		{"swap exact input", func() error {
			_, err := ex.SwapExactInput(exchangeAddr, token, ether(9), nil, deadline)
			return err
		}},
		{"swap exact output", func() error {
			_, err := ex.SwapExactOutput(exchangeAddr, currency, ether(5), nil, deadline)
			return err
		}},
		{"add liquidity", func() error {
			_, err := ex.AddLiquidity(exchangeAddr, ether(1), ether(1), nil, deadline)
			return err
		}},
		{"remove liquidity", func() error {
			_, _, err := ex.RemoveLiquidity(exchangeAddr, ether(1), nil, nil, deadline)
			return err
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := ex.View()
			balancesBefore := l.View()
			assert.ErrorIs(t, tc.call(), ErrInvalidCaller)
			assert.Equal(t, before, ex.View())
			assert.Equal(t, balancesBefore, l.View())
			assertReservesBacked(t, ex, l)
		})
	}

	after, err := ex.SpotPrice(token)
	require.NoError(t, err)
	assert.True(t, price.Eq(after), "spot price moved from %s to %s", price.Dec(), after.Dec())
}

func TestDeadlineBeforeEpoch(t *testing.T) {
	ex, l, clk := seededExchange(t, 10, 10)
	require.NoError(t, l.Mint(token, trader, ether(1)))

	clk.Set(time.Unix(-10, 0))
	_, err := ex.SwapExactInput(trader, token, ether(1), nil, 0)
	assert.ErrorIs(t, err, ErrExpired)

	clk.Set(time.Unix(0, 0))
	_, err = ex.SwapExactInput(trader, token, ether(1), nil, 0)
	assert.NoError(t, err, "deadline equal to now is still valid")
}

func TestSwapUnwindsFirstLegWhenSecondFails(t *testing.T) {
	mem := newTestLedger()
	fl := &failingLedger{MemoryLedger: mem}
	ex, _ := newTestExchange(t, fl)

	require.NoError(t, mem.Mint(token, lp, ether(10)))
	require.NoError(t, mem.Mint(currency, lp, ether(10)))
	_, err := ex.AddLiquidity(lp, ether(10), ether(10), nil, deadline)
	require.NoError(t, err)

	require.NoError(t, mem.Mint(token, trader, ether(1)))
	before := ex.View()
	balancesBefore := mem.View()

	// Calls 1 and 2 were the liquidity deposit; 3 pulls the input, 4 pays out.
	fl.failOn = 4
	_, err = ex.SwapExactInput(trader, token, ether(1), nil, deadline)
	require.ErrorIs(t, err, errLedgerDown)

	assert.Equal(t, before, ex.View())
	assert.Equal(t, balancesBefore, mem.View())
}

func TestViewIsDeepCopy(t *testing.T) {
	ex, _, _ := seededExchange(t, 10, 10)

	view := ex.View()
	view.Reserves.Token.SetUint64(1)
	view.TotalLiquidity.SetUint64(1)
	view.Shares[0].Amount.SetUint64(1)

	fresh := ex.View()
	assert.True(t, ether(10).Eq(fresh.Reserves.Token))
	assert.True(t, ether(10).Eq(fresh.TotalLiquidity))
	assert.True(t, ether(10).Eq(fresh.Shares[0].Amount))
}

func TestConcurrentSwaps(t *testing.T) {
	ex, l, _ := seededExchange(t, 1000, 1000)
	traders := make([]common.Address, 16)
	for i := range traders {
		traders[i] = common.BigToAddress(big.NewInt(int64(0x3000 + i)))
		require.NoError(t, l.Mint(token, traders[i], ether(10)))
		require.NoError(t, l.Mint(currency, traders[i], ether(10)))
	}

	var wg sync.WaitGroup
	for i, tr := range traders {
		wg.Add(1)
		go func(i int, tr common.Address) {
			defer wg.Done()
			asset := token
			if i%2 == 0 {
				asset = currency
			}
			for j := 0; j < 20; j++ {
				_, _ = ex.SwapExactInput(tr, asset, ether(1), nil, deadline)
				_, _ = ex.SpotPrice(token)
			}
		}(i, tr)
	}
	wg.Wait()

	assertReservesBacked(t, ex, l)
}
