package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lifehub/internal/repository"
	"lifehub/internal/service"
)

func newAccountCommand(withEnv envRunner) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage a user's bank accounts and balances",
	}

	var req service.NewAccount
	addCmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Link a bank account to a user",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			account, err := env.Finance.AddAccount(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), account)
		}),
	}
	addCmd.Flags().StringVar(&req.AccountID, "account-id", "", "bank-issued account identifier")
	addCmd.Flags().StringVar(&req.InstitutionID, "institution", "", "institution identifier")
	addCmd.Flags().StringVar(&req.RequisitionID, "requisition", "", "requisition identifier")

	listCmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's accounts",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			accounts, err := env.Finance.ListAccounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), accounts)
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <user-id> <account>",
		Short: "Delete an account with its balances and transactions",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if err := env.Finance.DeleteAccount(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted account %s\n", args[1])
			return nil
		}),
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <user-id> <account> [amount]",
		Short: "Record a balance, or list balances when no amount is given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if len(args) == 3 {
				balance, err := env.Finance.RecordBalance(cmd.Context(), args[0], args[1], args[2], time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), balance)
			}
			balances, err := env.Finance.ListBalances(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balances)
		}),
	}

	accountCmd.AddCommand(addCmd, listCmd, deleteCmd, balanceCmd)
	return accountCmd
}

func newTransactionCommand(withEnv envRunner) *cobra.Command {
	txnCmd := &cobra.Command{
		Use:     "transaction",
		Aliases: []string{"txn"},
		Short:   "Manage a user's bank transactions",
	}

	var (
		req                       service.NewTransaction
		date                      string
		description, counterparty string
	)
	addCmd := &cobra.Command{
		Use:   "add <user-id> <account> <transaction-id> <amount>",
		Short: "Record a transaction",
		Args:  cobra.ExactArgs(4),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			req.AccountID, req.TransactionID, req.Amount = args[1], args[2], args[3]
			req.Date = time.Now().UTC()
			if date != "" {
				d, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				req.Date = d
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("counterparty") {
				req.Counterparty = &counterparty
			}
			txn, err := env.Finance.AddTransaction(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), txn)
		}),
	}
	addCmd.Flags().StringVar(&date, "date", "", "booking date (YYYY-MM-DD), defaults to today")
	addCmd.Flags().StringVar(&description, "description", "", "bank description")
	addCmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty name")

	var page repository.ListOptions
	listCmd := &cobra.Command{
		Use:   "list <user-id> <account>",
		Short: "List an account's transactions, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			txns, err := env.Finance.ListTransactions(cmd.Context(), args[0], args[1], page)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), txns)
		}),
	}
	listCmd.Flags().IntVar(&page.Limit, "limit", 50, "maximum number of transactions")
	listCmd.Flags().IntVar(&page.Offset, "offset", 0, "number of transactions to skip")

	describeCmd := &cobra.Command{
		Use:   "describe <user-id> <transaction> [description]",
		Short: "Set or clear the user's own description of a transaction",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			var text *string
			if len(args) == 3 {
				text = &args[2]
			}
			txn, err := env.Finance.SetUserDescription(cmd.Context(), args[0], args[1], text)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), txn)
		}),
	}

	txnCmd.AddCommand(addCmd, listCmd, describeCmd)
	return txnCmd
}
