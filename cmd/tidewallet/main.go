// tidewallet is a descriptor wallet talking to an Electrum server: it keeps
// keys and the UTXO ledger locally and uses the server only as an index over
// the chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	flags "github.com/jessevdk/go-flags"
	"github.com/tyler-smith/go-bip39"

	"github.com/tidewallet/tidewallet/chain"
	"github.com/tidewallet/tidewallet/chain/electrum"
	"github.com/tidewallet/tidewallet/ledger"
	"github.com/tidewallet/tidewallet/wallet"
	"github.com/tidewallet/tidewallet/walletdb"
)

const version = "0.1.0"

const walletDBFilename = "wallet.db"

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) &&
			flagsErr.Type == flags.ErrHelp {

			fmt.Println(err)
			return
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}

	logDir := filepath.Join(cfg.netDataDir(), defaultLogDirname)
	if err := initLogRotator(logDir); err != nil {
		return err
	}
	defer logRotator.Close()

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	if len(args) == 0 {
		return usage()
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	switch args[0] {
	case "create":
		return cmdCreate(cfg)

	case "address":
		return cmdAddress(cfg)

	case "balance":
		return cmdBalance(ctx, cfg)

	case "sync":
		return cmdSync(ctx, cfg)

	case "send":
		return cmdSend(ctx, cfg)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() error {
	return errors.New("usage: tidewallet [options] " +
		"create|address|balance|sync|send")
}

// openStore opens the per-network wallet database.
func openStore(cfg *config) (*walletdb.DB, error) {
	return walletdb.Open(
		filepath.Join(cfg.netDataDir(), walletDBFilename),
	)
}

// connectChain dials the configured Electrum server.
func connectChain(ctx context.Context,
	cfg *config) (*electrum.Client, error) {

	if cfg.ElectrumServer == "" {
		return nil, errors.New("no Electrum server configured, " +
			"use --server")
	}

	return electrum.Dial(ctx, electrum.Config{
		Addr: cfg.ElectrumServer,
		TLS:  !cfg.NoTLS,
	})
}

// walletConfig assembles the wallet configuration shared by all commands.
func walletConfig(cfg *config, store wallet.Store,
	source chain.Source) wallet.Config {

	return wallet.Config{
		ChainParams:    cfg.chainParams(),
		Chain:          source,
		Store:          store,
		GapLimit:       cfg.GapLimit,
		RollbackWindow: cfg.RollbackWindow,
	}
}

// cmdCreate initializes a wallet from an entered or freshly generated
// mnemonic.
func cmdCreate(cfg *config) error {
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mnemonic, err := promptMnemonic()
	if err != nil {
		return err
	}

	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return err
		}

		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}

		fmt.Println("Generated mnemonic (write it down, it is the " +
			"only backup):")
		fmt.Println()
		fmt.Printf("  %s\n\n", mnemonic)
	}

	passphrase, err := promptPassphrase()
	if err != nil {
		return err
	}

	w, err := wallet.NewFromMnemonic(
		walletConfig(cfg, db, nil), mnemonic, passphrase,
	)
	if err != nil {
		return err
	}

	addr, err := w.NewAddress(wallet.ExternalBranch)
	if err != nil {
		return err
	}

	fmt.Printf("Wallet created on %s, first receive address: %v\n",
		cfg.chainParams().Name, addr)

	return nil
}

// cmdAddress issues the next receive address from the persisted state. No
// key material is needed.
func cmdAddress(cfg *config) error {
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	w, err := wallet.New(walletConfig(cfg, db, nil))
	if err != nil {
		return err
	}

	addr, err := w.NewAddress(wallet.ExternalBranch)
	if err != nil {
		return err
	}

	fmt.Println(addr.EncodeAddress())

	return nil
}

// cmdBalance prints the wallet balance, reconciling first when a server is
// configured.
func cmdBalance(ctx context.Context, cfg *config) error {
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var source chain.Source
	if cfg.ElectrumServer != "" {
		client, err := connectChain(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		source = client
	}

	w, err := wallet.New(walletConfig(cfg, db, source))
	if err != nil {
		return err
	}

	if source != nil {
		if err := w.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}

	fmt.Printf("confirmed:   %v\n",
		w.Balance(ledger.BalanceConfirmed))
	fmt.Printf("unconfirmed: %v\n",
		w.Balance(ledger.BalanceIncludeUnconfirmed)-
			w.Balance(ledger.BalanceConfirmed))

	return nil
}

// cmdSync reconciles the wallet against the configured server.
func cmdSync(ctx context.Context, cfg *config) error {
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := connectChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	w, err := wallet.New(walletConfig(cfg, db, client))
	if err != nil {
		return err
	}

	if err := w.Sync(ctx); err != nil {
		return err
	}

	cp := w.Checkpoint()
	fmt.Printf("synced to height %d (%v)\n", cp.Height, cp.Hash)

	return nil
}

// cmdSend builds, signs and broadcasts a payment. The mnemonic is requested
// interactively since the persisted state is watch-only.
func cmdSend(ctx context.Context, cfg *config) error {
	if cfg.To == "" || cfg.Amount <= 0 {
		return errors.New("send requires --to and --amount")
	}

	addr, err := btcutil.DecodeAddress(cfg.To, cfg.chainParams())
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if !addr.IsForNet(cfg.chainParams()) {
		return fmt.Errorf("recipient %v is not a %s address",
			addr, cfg.chainParams().Name)
	}

	amount, err := btcutil.NewAmount(cfg.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := connectChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	mnemonic, err := promptMnemonic()
	if err != nil {
		return err
	}
	passphrase, err := promptPassphrase()
	if err != nil {
		return err
	}

	w, err := wallet.NewFromMnemonic(
		walletConfig(cfg, db, client), mnemonic, passphrase,
	)
	if err != nil {
		return err
	}

	// Reconcile first so coin selection sees the current UTXO set.
	if err := w.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	txid, err := w.Send(ctx, &wallet.TxIntent{
		Outputs: []*wire.TxOut{
			wire.NewTxOut(int64(amount), pkScript),
		},
		FeeSatPerKb:      btcutil.Amount(cfg.FeeRate),
		AllowUnconfirmed: cfg.Unconfirmed,
	})
	if err != nil {
		return err
	}

	fmt.Printf("broadcast %v\n", txid)

	return nil
}
