package twap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base ledger.Asset = "DVT"

var errSourceDown = errors.New("source down")

type stubSource struct {
	mu    sync.Mutex
	price *uint256.Int
	err   error
	calls int
}

func (s *stubSource) SpotPrice(asset ledger.Asset) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.price.Clone(), nil
}

func (s *stubSource) set(price uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = uint256.NewInt(price)
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestOracle(t *testing.T, window time.Duration, maxObs int) (*Oracle, *stubSource, *clock.Manual) {
	t.Helper()
	src := &stubSource{price: uint256.NewInt(1_000_000)}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	o, err := New(&Config{
		Source:          src,
		Base:            base,
		Window:          window,
		Clock:           clk,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxObservations: maxObs,
	})
	require.NoError(t, err)
	return o, src, clk
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{Base: base, Window: time.Minute, Clock: clock.System{}, Logger: slog.Default()})
	assert.Error(t, err, "missing source")

	_, err = New(&Config{Source: &stubSource{}, Base: base, Window: 500 * time.Millisecond, Clock: clock.System{}, Logger: slog.Default()})
	assert.Error(t, err, "sub-second window")
}

func TestPrice(t *testing.T) {
	t.Run("no observations", func(t *testing.T) {
		o, _, _ := newTestOracle(t, time.Minute, 0)
		_, err := o.Price(base)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
	})

	t.Run("window not yet covered", func(t *testing.T) {
		o, _, clk := newTestOracle(t, time.Minute, 0)
		require.NoError(t, o.Observe())
		clk.Advance(59 * time.Second)
		_, err := o.Price(base)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
	})

	t.Run("unsupported asset", func(t *testing.T) {
		o, _, _ := newTestOracle(t, time.Minute, 0)
		_, err := o.Price("ETH")
		assert.ErrorIs(t, err, ErrUnsupportedAsset)
	})

	t.Run("constant price averages to itself", func(t *testing.T) {
		o, _, clk := newTestOracle(t, time.Minute, 0)
		require.NoError(t, o.Observe())
		clk.Advance(time.Minute)
		price, err := o.Price(base)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), price.Uint64())
	})

	t.Run("same-instant manipulation has no weight", func(t *testing.T) {
		o, src, clk := newTestOracle(t, time.Minute, 0)
		require.NoError(t, o.Observe())
		clk.Advance(time.Minute)

		src.set(100)
		require.NoError(t, o.Observe())

		price, err := o.Price(base)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), price.Uint64())
	})

	t.Run("a sustained move is averaged in over the window", func(t *testing.T) {
		o, src, clk := newTestOracle(t, time.Minute, 0)
		require.NoError(t, o.Observe())
		clk.Advance(time.Minute)
		src.set(100)
		require.NoError(t, o.Observe())

		clk.Advance(30 * time.Second)
		// Newest observation at least a minute old is the first one, 90s back:
		// (1_000_000*60 + 100*30) / 90.
		price, err := o.Price(base)
		require.NoError(t, err)
		assert.Equal(t, uint64(666_700), price.Uint64())

		clk.Advance(30 * time.Second)
		price, err = o.Price(base)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), price.Uint64())
	})

	t.Run("source failure leaves history untouched", func(t *testing.T) {
		o, src, clk := newTestOracle(t, time.Minute, 0)
		require.NoError(t, o.Observe())
		src.err = errSourceDown
		clk.Advance(time.Minute)
		assert.ErrorIs(t, o.Observe(), errSourceDown)

		price, err := o.Price(base)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), price.Uint64())
	})
}

func TestHistoryIsBounded(t *testing.T) {
	o, _, clk := newTestOracle(t, time.Second, 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, o.Observe())
		clk.Advance(time.Second)
	}
	assert.Len(t, o.history, 3)

	price, err := o.Price(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), price.Uint64())
}

func TestRun(t *testing.T) {
	o, src, _ := newTestOracle(t, time.Minute, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		o.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.callCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
