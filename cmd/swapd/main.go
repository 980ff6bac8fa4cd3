// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package main is the entrypoint of swapd, the liquidity-maker daemon.
// It wires the core engine to its external collaborators (store, vault,
// chain clients, HTTP façade) the same way the teacher's swapd would, but
// everything below main() belongs to an external-interfaces layer the core
// itself never imports (spec §6).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarinX/monerorpc"
	"github.com/cockroachdb/apd/v3"
	solanago "github.com/gagliardetto/solana-go"
	logging "github.com/ipfs/go-log"
	"github.com/urfave/cli/v2"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain/monerochain"
	"github.com/madschristensen99/svm-xmr-atomic-swap/chain/solana"
	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
	"github.com/madschristensen99/svm-xmr-atomic-swap/engine"
	"github.com/madschristensen99/svm-xmr-atomic-swap/quote"
	"github.com/madschristensen99/svm-xmr-atomic-swap/rpc"
	"github.com/madschristensen99/svm-xmr-atomic-swap/vault"
)

var log = logging.Logger("cmd")

// exit codes per spec §6.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitDependencyError   = 2
	exitInvariantViolated = 3
)

const (
	flagDataDir           = "data-dir"
	flagListenAddress     = "listen-address"
	flagEnv               = "env"
	flagSolanaEndpoint    = "solana-endpoint"
	flagSolanaProgramID   = "solana-program-id"
	flagUSDCMint          = "usdc-mint"
	flagSolanaKeypairFile = "solana-keypair-file"
	flagMoneroWalletRPC   = "monero-wallet-rpc"
	flagVaultKeyEnv       = "vault-key-env"
	flagFixedRate         = "fixed-rate"
	flagSpreadBps         = "spread-bps"
	flagMinTokenAmount    = "min-token-amount"
	flagMaxTokenAmount    = "max-token-amount"
	flagQuoteTTL          = "quote-ttl"
)

// configError and dependencyError distinguish the two non-zero failure
// classes main() can exit with (spec §6: 1 config error, 2 startup
// dependency unreachable), without the engine/rpc packages themselves
// needing to know about process exit codes.
type configError struct{ error }
type dependencyError struct{ error }

func main() {
	app := &cli.App{
		Name:  "swapd",
		Usage: "Liquidity-maker daemon for USDC(Solana)/XMR(Monero) atomic swaps",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagDataDir, Value: "./swapd-data", Usage: "directory for the swap/secret/metrics store"},
			&cli.StringFlag{Name: flagListenAddress, Value: "127.0.0.1:5000", Usage: "HTTP façade listen address"},
			&cli.StringFlag{Name: flagEnv, Value: "mainnet", Usage: "mainnet|stagenet|dev"},
			&cli.StringFlag{Name: flagSolanaEndpoint, Value: "https://api.mainnet-beta.solana.com", Usage: "Solana RPC endpoint"},
			&cli.StringFlag{Name: flagSolanaProgramID, Required: true, Usage: "base58 escrow program id"},
			&cli.StringFlag{Name: flagUSDCMint, Required: true, Usage: "base58 USDC mint address"},
			&cli.StringFlag{Name: flagSolanaKeypairFile, Required: true, Usage: "path to a solana-keygen JSON keypair file"},
			&cli.StringFlag{Name: flagMoneroWalletRPC, Value: "http://127.0.0.1:18083/json_rpc", Usage: "monero-wallet-rpc endpoint"},
			&cli.StringFlag{Name: flagVaultKeyEnv, Value: "SWAPD_VAULT_KEY", Usage: "name of the env var holding the 32-byte hex vault key-encryption key"},
			&cli.StringFlag{Name: flagFixedRate, Required: true, Usage: "configured XMR-per-USDC mid rate, e.g. 0.01"},
			&cli.Int64Flag{Name: flagSpreadBps, Value: 50, Usage: "spread applied to the mid rate, in basis points"},
			&cli.Uint64Flag{Name: flagMinTokenAmount, Value: 1_000_000, Usage: "minimum quotable USDC amount, minor units"},
			&cli.Uint64Flag{Name: flagMaxTokenAmount, Value: 1_000_000_000_000, Usage: "maximum quotable USDC amount, minor units"},
			&cli.DurationFlag{Name: flagQuoteTTL, Value: 30 * time.Second, Usage: "quote reservation lifetime"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var cfgErr configError
		var depErr dependencyError
		switch {
		case asConfigError(err, &cfgErr):
			log.Errorf("config error: %s", cfgErr.error)
			os.Exit(exitConfigError)
		case asDependencyError(err, &depErr):
			log.Errorf("startup dependency unreachable: %s", depErr.error)
			os.Exit(exitDependencyError)
		default:
			log.Errorf("fatal: %s", err)
			os.Exit(exitInvariantViolated)
		}
	}
	os.Exit(exitOK)
}

func asConfigError(err error, target *configError) bool {
	ce, ok := err.(configError)
	if ok {
		*target = ce
	}
	return ok
}

func asDependencyError(err error, target *dependencyError) bool {
	de, ok := err.(dependencyError)
	if ok {
		*target = de
	}
	return ok
}

func run(c *cli.Context) error {
	env, err := parseEnv(c.String(flagEnv))
	if err != nil {
		return configError{err}
	}

	kekHex := os.Getenv(c.String(flagVaultKeyEnv))
	if kekHex == "" {
		return configError{fmt.Errorf("env var %s is unset", c.String(flagVaultKeyEnv))}
	}
	kekBytes, err := hex.DecodeString(kekHex)
	if err != nil || len(kekBytes) != 32 {
		return configError{fmt.Errorf("env var %s must hold 32 bytes of hex", c.String(flagVaultKeyEnv))}
	}
	var kek [32]byte
	copy(kek[:], kekBytes)

	rate, _, err := apd.NewFromString(c.String(flagFixedRate))
	if err != nil {
		return configError{fmt.Errorf("invalid %s: %w", flagFixedRate, err)}
	}

	programID, err := solanago.PublicKeyFromBase58(c.String(flagSolanaProgramID))
	if err != nil {
		return configError{fmt.Errorf("invalid %s: %w", flagSolanaProgramID, err)}
	}
	usdcMint, err := solanago.PublicKeyFromBase58(c.String(flagUSDCMint))
	if err != nil {
		return configError{fmt.Errorf("invalid %s: %w", flagUSDCMint, err)}
	}
	solanaKey, err := solanago.PrivateKeyFromSolanaKeygenFile(c.String(flagSolanaKeypairFile))
	if err != nil {
		return configError{fmt.Errorf("invalid %s: %w", flagSolanaKeypairFile, err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Open(c.String(flagDataDir))
	if err != nil {
		return dependencyError{fmt.Errorf("opening store: %w", err)}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("error closing store: %s", err)
		}
	}()

	v, err := vault.New(store, kek)
	if err != nil {
		return dependencyError{fmt.Errorf("constructing vault: %w", err)}
	}

	signer := solana.NewLocalSigner(solanaKey)
	tokenChain := solana.NewClient(c.String(flagSolanaEndpoint), programID, usdcMint, signer)

	moneroRPC := monerorpc.New(c.String(flagMoneroWalletRPC), nil)
	privateChain := monerochain.NewClient(moneroRPC.Wallet)

	if _, err := privateChain.Height(ctx); err != nil {
		return dependencyError{fmt.Errorf("monero-wallet-rpc unreachable: %w", err)}
	}

	quoteCfg := quote.Config{
		MinTokenAmount: coins.USDCAmount(c.Uint64(flagMinTokenAmount)),
		MaxTokenAmount: coins.USDCAmount(c.Uint64(flagMaxTokenAmount)),
		SpreadBps:      c.Int64(flagSpreadBps),
		QuoteTTL:       c.Duration(flagQuoteTTL),
	}
	rates := &fixedRateSource{rate: coins.ToExchangeRate(rate)}
	liquidity := &chainLiquidityChecker{tokenChain: tokenChain, privateChain: privateChain}
	quotes := quote.New(quoteCfg, rates, liquidity, v)

	engineCfg := engine.DefaultConfig()
	manager, err := engine.NewManager(ctx, engineCfg, store, v, tokenChain, privateChain)
	if err != nil {
		return dependencyError{fmt.Errorf("resuming engine manager: %w", err)}
	}
	defer manager.Shutdown()

	_ = env // reserved for address-prefixing once multi-network wallets are wired

	server, err := rpc.NewServer(&rpc.Config{
		Ctx:     ctx,
		Address: c.String(flagListenAddress),
		Quotes:  quotes,
		Engine:  manager,
		Metrics: store,
	})
	if err != nil {
		return dependencyError{fmt.Errorf("binding HTTP listener: %w", err)}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	log.Infof("swapd listening on %s", server.HttpURL())
	if err := server.Start(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server exited: %w", err)
	}
	return nil
}

func parseEnv(s string) (common.Environment, error) {
	switch s {
	case "mainnet":
		return common.Mainnet, nil
	case "stagenet":
		return common.Stagenet, nil
	case "dev":
		return common.Development, nil
	default:
		return 0, fmt.Errorf("unknown env %q", s)
	}
}

// fixedRateSource implements quote.RateSource with an operator-configured
// constant, matching the Non-goal "no pricing decisions beyond a
// configured spread": the daemon never fetches a live market price itself.
type fixedRateSource struct {
	rate *coins.ExchangeRate
}

func (f *fixedRateSource) MidRate(ctx context.Context) (*coins.ExchangeRate, error) {
	return f.rate, nil
}

// chainLiquidityChecker implements quote.LiquidityChecker against the two
// chain clients' own balance accessors.
type chainLiquidityChecker struct {
	tokenChain   *solana.Client
	privateChain *monerochain.Client
}

func (c *chainLiquidityChecker) AvailableLiquidity(ctx context.Context, dir common.Direction) (uint64, error) {
	switch dir {
	case common.TokenToPrivate:
		_, unlocked, err := c.privateChain.Balance()
		if err != nil {
			return 0, err
		}
		return uint64(unlocked), nil
	case common.PrivateToToken:
		balance, err := c.tokenChain.Balance(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(balance), nil
	default:
		return 0, fmt.Errorf("unknown direction %v", dir)
	}
}
