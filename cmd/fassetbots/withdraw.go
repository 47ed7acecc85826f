package main

import (
	"context"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fassetbots/internal/chain"
	"fassetbots/internal/notifier"
	"fassetbots/internal/observability"
	"fassetbots/internal/persistence"
	"fassetbots/internal/wallet"
)

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Announce, perform, confirm or cancel an agent's underlying withdrawal",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var withdrawAnnounceCmd = &cobra.Command{
	Use:   "announce <agent-vault>",
	Short: "Announce an underlying withdrawal and print its payment reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWithdrawals(func(ctx context.Context, w *wallet.Withdrawals) error {
			ref, err := w.Announce(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓"), "announced, payment reference", ref)
			return nil
		})
	},
}

var withdrawPerformCmd = &cobra.Command{
	Use:   "perform <agent-vault> <destination> <amount-uba>",
	Short: "Pay the announced withdrawal from the agent's underlying address",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, ok := new(big.Int).SetString(args[2], 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("amount %q is not a positive integer", args[2])
		}
		return withWithdrawals(func(ctx context.Context, w *wallet.Withdrawals) error {
			hash, err := w.Perform(ctx, args[0], args[1], amount)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓"), "paid in transaction", hash)
			return nil
		})
	},
}

var withdrawConfirmCmd = &cobra.Command{
	Use:   "confirm <agent-vault> [tx-hash]",
	Short: "Prove the withdrawal payment to the asset manager",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var txHash string
		if len(args) == 2 {
			txHash = args[1]
		}
		return withWithdrawals(func(ctx context.Context, w *wallet.Withdrawals) error {
			if err := w.Confirm(ctx, args[0], txHash); err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓"), "withdrawal confirmed")
			return nil
		})
	},
}

var withdrawCancelCmd = &cobra.Command{
	Use:   "cancel <agent-vault>",
	Short: "Cancel the active withdrawal announcement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWithdrawals(func(ctx context.Context, w *wallet.Withdrawals) error {
			if err := w.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓"), "announcement cancelled")
			return nil
		})
	},
}

func init() {
	withdrawCmd.AddCommand(withdrawAnnounceCmd)
	withdrawCmd.AddCommand(withdrawPerformCmd)
	withdrawCmd.AddCommand(withdrawConfirmCmd)
	withdrawCmd.AddCommand(withdrawCancelCmd)
}

// withWithdrawals wires the withdrawal flow of the owner account and runs fn.
func withWithdrawals(fn func(ctx context.Context, w *wallet.Withdrawals) error) error {
	cfg, _, resolved, err := loadConfig()
	if err != nil {
		return err
	}
	sec, err := loadSecrets(cfg)
	if err != nil {
		return err
	}
	owner, err := sec.Account("owner")
	if err != nil {
		return err
	}
	logger := observability.NewLogger("withdraw")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	migrator, err := persistence.NewMigrator(db, logger)
	if err != nil {
		return err
	}
	if _, err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	transports, err := buildTransports(cfg, sec, nil, nil, logger)
	if err != nil {
		return err
	}
	n := notifier.New(ctx, notifier.BotAgent, owner.Address, transports, nil, logger)
	defer n.Close(context.Background())

	underlying := underlyingGateway(cfg, sec, logger)
	w := wallet.NewWithdrawals(
		owner.Address,
		chain.NewGateway(nativeClient(cfg, sec, logger), resolved),
		wallet.NewHelper(underlying, wallet.HelperConfig{}, logger),
		underlying,
		persistence.NewWithdrawalStore(db),
		n,
		logger,
	)
	return fn(ctx, w)
}
