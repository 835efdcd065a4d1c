// Package api exposes a System over go-ethereum's JSON-RPC server under the
// "defi" namespace. Amounts travel as decimal strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/streams/jsonrpc/client"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

const defaultStreamBuffer = 256

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the dependencies of a Service.
type Config struct {
	System *system.System
	Logger Logger
	// StreamBuffer is the number of journal entries a stream subscriber may fall
	// behind before it is resent a full state. Defaults to 256.
	StreamBuffer int
}

func (c *Config) validate() error {
	if c.System == nil {
		return errors.New("config: System cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.StreamBuffer < 0 {
		return errors.New("config: StreamBuffer cannot be negative")
	}
	return nil
}

// Service is the RPC receiver. Every exported method is an RPC method.
type Service struct {
	sys          *system.System
	logger       Logger
	streamBuffer int
}

// NewService creates the RPC receiver.
func NewService(cfg *Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	buffer := cfg.StreamBuffer
	if buffer == 0 {
		buffer = defaultStreamBuffer
	}
	return &Service{sys: cfg.System, logger: cfg.Logger, streamBuffer: buffer}, nil
}

// Register adds svc to server under the "defi" namespace.
func Register(server *rpc.Server, svc *Service) error {
	return server.RegisterName(client.RpcNamespace, svc)
}

// SwapResult reports both legs of a swap.
type SwapResult struct {
	Input   *uint256.Int   `json:"input"`
	Output  *uint256.Int   `json:"output"`
	Receipt system.Receipt `json:"receipt"`
}

// AddLiquidityResult reports the shares minted.
type AddLiquidityResult struct {
	Minted  *uint256.Int   `json:"minted"`
	Receipt system.Receipt `json:"receipt"`
}

// RemoveLiquidityResult reports what was paid out for the burned shares.
type RemoveLiquidityResult struct {
	Currency *uint256.Int   `json:"currency"`
	Tokens   *uint256.Int   `json:"tokens"`
	Receipt  system.Receipt `json:"receipt"`
}

// BorrowResult reports the collateral taken.
type BorrowResult struct {
	Deposit *uint256.Int   `json:"deposit"`
	Receipt system.Receipt `json:"receipt"`
}

// RepayResult reports the collateral released.
type RepayResult struct {
	Released *uint256.Int   `json:"released"`
	Receipt  system.Receipt `json:"receipt"`
}

// LiquidateResult reports the collateral seized.
type LiquidateResult struct {
	Seized  *uint256.Int   `json:"seized"`
	Receipt system.Receipt `json:"receipt"`
}

// SwapExactInput implements defi_swapExactInput. A null minOutput accepts any output.
func (s *Service) SwapExactInput(caller common.Address, input ledger.Asset, amount, minOutput *uint256.Int, deadline uint64) (*SwapResult, error) {
	out, receipt, err := s.sys.SwapExactInput(caller, input, amount, minOutput, deadline)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &SwapResult{Input: amount, Output: out, Receipt: receipt}, nil
}

// SwapExactOutput implements defi_swapExactOutput. A null maxInput accepts any cost.
func (s *Service) SwapExactOutput(caller common.Address, output ledger.Asset, amount, maxInput *uint256.Int, deadline uint64) (*SwapResult, error) {
	in, receipt, err := s.sys.SwapExactOutput(caller, output, amount, maxInput, deadline)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &SwapResult{Input: in, Output: amount, Receipt: receipt}, nil
}

// AddLiquidity implements defi_addLiquidity.
func (s *Service) AddLiquidity(caller common.Address, currencyAmount, maxTokens, minLiquidity *uint256.Int, deadline uint64) (*AddLiquidityResult, error) {
	minted, receipt, err := s.sys.AddLiquidity(caller, currencyAmount, maxTokens, minLiquidity, deadline)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &AddLiquidityResult{Minted: minted, Receipt: receipt}, nil
}

// RemoveLiquidity implements defi_removeLiquidity.
func (s *Service) RemoveLiquidity(caller common.Address, shares, minCurrency, minTokens *uint256.Int, deadline uint64) (*RemoveLiquidityResult, error) {
	currency, tokens, receipt, err := s.sys.RemoveLiquidity(caller, shares, minCurrency, minTokens, deadline)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &RemoveLiquidityResult{Currency: currency, Tokens: tokens, Receipt: receipt}, nil
}

// QuoteExactInput implements defi_quoteExactInput.
func (s *Service) QuoteExactInput(input ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	out, err := s.sys.QuoteExactInput(input, amount)
	return out, toRPCError(err)
}

// QuoteExactOutput implements defi_quoteExactOutput.
func (s *Service) QuoteExactOutput(output ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	in, err := s.sys.QuoteExactOutput(output, amount)
	return in, toRPCError(err)
}

// SpotPrice implements defi_spotPrice. The price is scaled by 1e18.
func (s *Service) SpotPrice(base ledger.Asset) (*uint256.Int, error) {
	price, err := s.sys.SpotPrice(base)
	return price, toRPCError(err)
}

// CalculateDepositRequired implements defi_calculateDepositRequired.
func (s *Service) CalculateDepositRequired(tokenAmount *uint256.Int) (*uint256.Int, error) {
	deposit, err := s.sys.CalculateDepositRequired(tokenAmount)
	return deposit, toRPCError(err)
}

// Borrow implements defi_borrow.
func (s *Service) Borrow(caller common.Address, tokenAmount, attachedCollateral *uint256.Int) (*BorrowResult, error) {
	deposit, receipt, err := s.sys.Borrow(caller, tokenAmount, attachedCollateral)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &BorrowResult{Deposit: deposit, Receipt: receipt}, nil
}

// Repay implements defi_repay.
func (s *Service) Repay(caller common.Address, tokenAmount *uint256.Int) (*RepayResult, error) {
	released, receipt, err := s.sys.Repay(caller, tokenAmount)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &RepayResult{Released: released, Receipt: receipt}, nil
}

// Liquidate implements defi_liquidate.
func (s *Service) Liquidate(caller, borrower common.Address) (*LiquidateResult, error) {
	seized, receipt, err := s.sys.Liquidate(caller, borrower)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &LiquidateResult{Seized: seized, Receipt: receipt}, nil
}

// Position implements defi_position. It returns null when there is no position.
func (s *Service) Position(borrower common.Address) *lending.Position {
	pos, ok := s.sys.Position(borrower)
	if !ok {
		return nil
	}
	return &pos
}

// BalanceOf implements defi_balanceOf.
func (s *Service) BalanceOf(asset ledger.Asset, account common.Address) *uint256.Int {
	return s.sys.BalanceOf(asset, account)
}

// Assets implements defi_assets.
func (s *Service) Assets() []ledger.AssetInfo {
	return s.sys.Assets()
}

// State implements defi_state.
func (s *Service) State() *engine.State {
	return s.sys.State()
}

// Journal implements defi_journal: the retained entries after fromSequence.
func (s *Service) Journal(fromSequence uint64) []system.Entry {
	return s.sys.Journal(fromSequence)
}

// SubscribeStateStream implements defi_subscribeStateStream. The first event is
// the full state; each committed operation then sends its diff. A subscriber
// that falls behind is sent a fresh full state.
func (s *Service) SubscribeStateStream(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	current, events, cancel := s.sys.Subscribe(s.streamBuffer)
	go func() {
		defer func() { cancel() }()

		if err := notify(notifier, rpcSub.ID, client.EventFull, current); err != nil {
			s.logger.Warn("Failed to send full state", "subscription", rpcSub.ID, "error", err)
			return
		}
		s.logger.Info("State stream subscribed", "subscription", rpcSub.ID, "sequence", current.Sequence)

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					cancel()
					current, events, cancel = s.sys.Subscribe(s.streamBuffer)
					s.logger.Warn("State stream subscriber fell behind, resending full state", "subscription", rpcSub.ID, "sequence", current.Sequence)
					if err := notify(notifier, rpcSub.ID, client.EventFull, current); err != nil {
						return
					}
					continue
				}
				if err := notify(notifier, rpcSub.ID, client.EventDiff, ev.Diff); err != nil {
					s.logger.Warn("Failed to send diff", "subscription", rpcSub.ID, "error", err)
					return
				}
			case <-rpcSub.Err():
				s.logger.Info("State stream unsubscribed", "subscription", rpcSub.ID)
				return
			}
		}
	}()
	return rpcSub, nil
}

func notify(notifier *rpc.Notifier, id rpc.ID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", kind, err)
	}
	return notifier.Notify(id, client.SubscriptionEvent{
		Type:    kind,
		Payload: data,
		SentAt:  time.Now().UnixNano(),
	})
}
