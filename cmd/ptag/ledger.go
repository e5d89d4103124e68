package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paytag/internal/amount"
	"paytag/internal/app"
	"paytag/internal/engine/auth"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Local settlement ledger",
	}
	cmd.AddCommand(ledgerMintCmd())
	cmd.AddCommand(ledgerBalanceCmd())
	cmd.AddCommand(ledgerTransfersCmd())
	return cmd
}

func ledgerMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <party> <amount>",
		Short: "Credit a party's ledger balance (admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				policy := auth.Policy{Admin: env.Config.Registry.Admin}
				if err := policy.Require(auth.PermMint, viper.GetString("caller"), ""); err != nil {
					return err
				}
				units, err := amount.Parse(args[1], env.Config.Token.Decimals)
				if err != nil {
					return err
				}
				bal, err := env.Ledger.Mint(ctx, args[0], units)
				if err != nil {
					return err
				}
				return printBalance(env, args[0], bal)
			})
		},
	}
}

func ledgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [party]",
		Short: "Show a party's ledger balance (defaults to --caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			party := viper.GetString("caller")
			if len(args) == 1 {
				party = args[0]
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				bal, err := env.Ledger.Balance(ctx, party)
				if err != nil {
					return err
				}
				return printBalance(env, party, bal)
			})
		},
	}
}

func ledgerTransfersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transfers [party]",
		Short: "List settlements sent or received by a party",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			party := viper.GetString("caller")
			if len(args) == 1 {
				party = args[0]
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Ledger.Transfers(ctx, party, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reference", "Sender", "Recipient", "Amount", "TS"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Reference, t.Sender, t.Recipient,
						amount.FormatSymbol(t.Amount, env.Config.Token.Decimals, env.Config.Token.Symbol), t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max transfers")
	return cmd
}

func printBalance(env *app.Env, party string, units uint64) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"party": party, "balance": units})
	}
	fmt.Printf("%s: %s\n", party, amount.FormatSymbol(units, env.Config.Token.Decimals, env.Config.Token.Symbol))
	return nil
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "API keys for the HTTP API",
	}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyRevokeCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key acting as --caller; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key, secret, err := env.Engine.Repo.IssueAPIKey(ctx, viper.GetString("caller"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "party_id": key.PartyID, "key": secret})
				}
				fmt.Printf("API key %s for %s: %s\n", key.ID, key.PartyID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys of --caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				keys, err := env.Engine.Repo.ListAPIKeys(ctx, viper.GetString("caller"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}
