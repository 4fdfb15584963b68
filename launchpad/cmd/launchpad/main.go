package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/nenkoz/FairLaunch.io/api/handlers"
	"github.com/nenkoz/FairLaunch.io/api/metrics"
	"github.com/nenkoz/FairLaunch.io/api/server"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/dex"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/giveaway"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/identity"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/token"
	"github.com/nenkoz/FairLaunch.io/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
	defaultUSDCSupply = "1000000000000000" // 10^15 base units
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	dbPathFlag := flag.String("db", "", "SQLite database path; empty runs with the in-memory store (or set DB_PATH env var)")
	escrowFlag := flag.String("escrow-address", "0x0000000000000000000000000000000000000E5c", "platform escrow address")
	feeRecipientFlag := flag.String("fee-recipient", "0x0000000000000000000000000000000000000Fee", "fee recipient address")
	feeBpsFlag := flag.Uint64("fee-bps", 500, "platform fee in basis points, applied to the final allocation")
	poolAddrFlag := flag.String("pool-address", "", "liquidity pool address; empty disables liquidity deployment")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "maximum time to wait during graceful shutdown")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if envDBPath := os.Getenv("DB_PATH"); envDBPath != "" {
		*dbPathFlag = envDBPath
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ledger, err := token.NewLedger(token.LedgerConfig{Logger: log})
	if err != nil {
		return err
	}

	// The quote token lives on the same in-process ledger as every
	// launched token. The treasury holds the minted supply and hands it
	// out through off-band faucet tooling.
	treasury := common.HexToAddress("0x000000000000000000000000000000000000ddDd")
	usdcSupply, err := uint256.FromDecimal(defaultUSDCSupply)
	if err != nil {
		return err
	}
	usdc, err := ledger.Deploy(token.Metadata{
		Name:     "USD Coin",
		Symbol:   "USDC",
		Decimals: 6,
		Cap:      usdcSupply,
		Owner:    treasury,
	})
	if err != nil {
		return fmt.Errorf("deploy quote token: %w", err)
	}
	if err := ledger.Mint(usdc, treasury, treasury, usdcSupply); err != nil {
		return fmt.Errorf("mint quote supply: %w", err)
	}
	log.Info("launchpad: quote token deployed", "address", usdc)

	gate, err := identity.NewRegistry(identity.RegistryConfig{Logger: log})
	if err != nil {
		return err
	}

	var deployer dex.Deployer
	if *poolAddrFlag != "" {
		if !common.IsHexAddress(*poolAddrFlag) {
			return fmt.Errorf("invalid pool address %q", *poolAddrFlag)
		}
		pool, err := dex.NewPool(dex.PoolConfig{
			Logger:  log,
			Ledger:  ledger,
			Address: common.HexToAddress(*poolAddrFlag),
		})
		if err != nil {
			return err
		}
		deployer = pool
	}

	var store giveaway.Store
	if *dbPathFlag != "" {
		sqlStore, err := giveaway.NewSQLStore(log, *dbPathFlag)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
		log.Info("launchpad: using sqlite store", "path", *dbPathFlag)
	} else {
		store = giveaway.NewMemStore()
		log.Warn("launchpad: using in-memory store, state will not survive restarts")
	}

	if !common.IsHexAddress(*escrowFlag) {
		return fmt.Errorf("invalid escrow address %q", *escrowFlag)
	}
	if !common.IsHexAddress(*feeRecipientFlag) {
		return fmt.Errorf("invalid fee recipient address %q", *feeRecipientFlag)
	}

	svc, err := giveaway.NewService(giveaway.ServiceConfig{
		Logger:        log,
		Clock:         clockwork.NewRealClock(),
		Store:         store,
		Ledger:        ledger,
		Gate:          gate,
		Deployer:      deployer,
		USDC:          usdc,
		EscrowAddress: common.HexToAddress(*escrowFlag),
		FeeRecipient:  common.HexToAddress(*feeRecipientFlag),
		FeeBps:        *feeBpsFlag,
	})
	if err != nil {
		return err
	}

	h, err := handlers.New(handlers.Config{
		Logger:   log,
		Giveaway: svc,
		Version:  handlers.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Handlers:        h,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}
