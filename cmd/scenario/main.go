// Command scenario replays the spot-price manipulation against an in-process
// system and prints balances after every step.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/defistate/defistate-lending-go/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

const (
	token    ledger.Asset = "DVT"
	currency ledger.Asset = "ETH"
)

var (
	provider     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	attacker     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	exchangeAddr = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000e02")
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

func main() {
	oracle := flag.String("oracle", system.OracleSpot, "Price source of the lending pool: spot or twap.")
	logPath := flag.String("log", "scenario.log", "File receiving the JSON logs.")
	flag.Parse()

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))

	if err := run(*oracle, rootLogger); err != nil {
		fmt.Println("\n" + Red + "Scenario failed: " + err.Error() + Reset)
		os.Exit(1)
	}
}

func run(oracle string, logger *slog.Logger) error {
	clk := clock.NewManual(time.Now().Truncate(time.Second))
	sys, err := system.New(&system.Config{
		Assets: []ledger.AssetInfo{
			{ID: token, Name: "Damn Valuable Token", Decimals: 18},
			{ID: currency, Name: "Ether", Decimals: 18},
		},
		Token:           token,
		Currency:        currency,
		ExchangeAddress: exchangeAddr,
		PoolAddress:     poolAddr,
		Oracle:          system.OracleConfig{Kind: oracle, Window: 10 * time.Minute},
		Genesis: []ledger.Balance{
			{Asset: token, Account: provider, Amount: ether("10")},
			{Asset: currency, Account: provider, Amount: ether("10")},
			{Asset: token, Account: poolAddr, Amount: ether("100000")},
			{Asset: token, Account: attacker, Amount: ether("1000")},
			{Asset: currency, Account: attacker, Amount: ether("25")},
		},
		InitialLiquidity: &system.InitialLiquidity{Provider: provider, Currency: ether("10"), Tokens: ether("10")},
		Clock:            clk,
		Logger:           logger,
		Registry:         prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}

	header("GENESIS")
	printBalances(sys)

	if oracle == system.OracleTWAP {
		clk.Advance(10 * time.Minute)
		if err := sys.ObserveOracle(); err != nil {
			return err
		}
		fmt.Println(Gray + "Ten minutes of price history recorded at 1 ETH per DVT." + Reset)
	}
	deadline := uint64(clk.Now().Add(5 * time.Minute).Unix())

	header("1. DUMP 1000 DVT INTO THE EXCHANGE")
	out, r, err := sys.SwapExactInput(attacker, token, ether("1000"), uint256.NewInt(1), deadline)
	if err != nil {
		return err
	}
	fmt.Printf("Received %s%s ETH%s (receipt %s)\n", Bold, units.FormatEther(out), Reset, r.ID)
	price, err := sys.SpotPrice(token)
	if err != nil {
		return err
	}
	fmt.Printf("Spot price is now %s%s ETH per DVT%s\n", Yellow, units.FormatEther(price), Reset)

	header("2. BORROW THE WHOLE LENDING POOL")
	want := ether("100000")
	required, err := sys.CalculateDepositRequired(want)
	if err != nil {
		return err
	}
	fmt.Printf("Pool asks for %s%s ETH%s of collateral for 100000 DVT\n", Bold, units.FormatEther(required), Reset)
	deposit, _, err := sys.Borrow(attacker, want, sys.BalanceOf(currency, attacker))
	if err != nil {
		fmt.Printf("%sBorrow rejected:%s %v\n", Green, Reset, err)
		printBalances(sys)
		printSummary(sys.State())
		return nil
	}
	fmt.Printf("Deposited %s ETH\n", units.FormatEther(deposit))

	header("3. BUY THE 1000 DVT BACK")
	cost, _, err := sys.SwapExactOutput(attacker, token, ether("1000"), sys.BalanceOf(currency, attacker), deadline)
	if err != nil {
		return err
	}
	fmt.Printf("Paid %s ETH\n", units.FormatEther(cost))

	header("RESULT")
	printBalances(sys)
	if sys.BalanceOf(token, poolAddr).IsZero() {
		fmt.Println(Red + Bold + "The lending pool has been drained." + Reset)
	}
	printSummary(sys.State())
	return nil
}

func printBalances(sys *system.System) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tDVT\tETH\t")
	fmt.Fprintln(w, "-------\t---\t---\t")
	for _, row := range []struct {
		name    string
		address common.Address
	}{
		{"attacker", attacker},
		{"exchange", exchangeAddr},
		{"lending pool", poolAddr},
	} {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", row.name,
			units.FormatEther(sys.BalanceOf(token, row.address)),
			units.FormatEther(sys.BalanceOf(currency, row.address)),
		)
	}
	w.Flush()
}

func printSummary(state *engine.State) {
	header("STATE")
	fmt.Printf("Sequence %s#%d%s | Time %s%s%s\n",
		Bold, state.Sequence, Reset,
		Bold, time.Unix(0, int64(state.Timestamp)).Format("15:04:05"), Reset,
	)

	ids := make([]string, 0, len(state.Protocols))
	for id := range state.Protocols {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "PROTOCOL ID\tSCHEMA\tSTATUS\t")
	fmt.Fprintln(w, "-----------\t------\t------\t")
	for _, id := range ids {
		p := state.Protocols[engine.ProtocolID(id)]
		status := Green + "OK" + Reset
		if p.Error != "" {
			status = Red + "ERROR" + Reset
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", id, p.Schema, status)
	}
	w.Flush()
}

func ether(s string) *uint256.Int {
	v, err := units.ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}
