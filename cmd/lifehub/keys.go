package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lifehub/crypto"
	"lifehub/pbhooks"
)

// dataKeyStore holds each user's wrapped data key.
type dataKeyStore interface {
	DataKey(ctx context.Context, userID string) (crypto.WrappedDEK, error)
	SetDataKey(ctx context.Context, userID string, wrapped crypto.WrappedDEK) error
}

// newKeysCommand builds the key administration commands. dataKeys is
// resolved when a command runs, after the app has bootstrapped.
func newKeysCommand(keys *crypto.KeyManager, dataKeys func() dataKeyStore) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage users' encryption keys",
	}

	// storedKey returns the user's wrapped data key, or "" when none is set.
	storedKey := func(ctx context.Context, userID string) (crypto.WrappedDEK, error) {
		wrapped, err := dataKeys().DataKey(ctx, userID)
		if errors.Is(err, crypto.ErrKeyNotFound) {
			return "", nil
		}
		return wrapped, err
	}

	stateCmd := &cobra.Command{
		Use:   "state <user-id>",
		Short: "Show the provisioning state of a user's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wrapped, err := storedKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state, err := keys.KeyState(cmd.Context(), args[0], wrapped)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return nil
		},
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure <user-id>",
		Short: "Provision a user's key and data key if they are missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, userID := cmd.Context(), args[0]
			wrapped, err := storedKey(ctx, userID)
			if err != nil {
				return err
			}
			if wrapped == "" {
				cipher := crypto.NewFieldCipher(keys, userID, "")
				wrapped, err = cipher.GenerateEncryptedDataKey(ctx)
				cipher.Close()
				if err != nil {
					return err
				}
				if err := dataKeys().SetDataKey(ctx, userID, wrapped); err != nil {
					return err
				}
			} else if err := keys.EnsureUserKey(ctx, userID); err != nil {
				return err
			}

			state, err := keys.KeyState(ctx, userID, wrapped)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", userID, state)
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <user-id>",
		Short: "Rotate a user's key-encryption key and rewrap their data key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, userID := cmd.Context(), args[0]
			wrapped, err := dataKeys().DataKey(ctx, userID)
			if err != nil {
				return err
			}
			rewrapped, err := keys.RotateUserKEK(ctx, userID, wrapped)
			if err != nil {
				return err
			}
			if err := dataKeys().SetDataKey(ctx, userID, rewrapped); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated key for %s\n", userID)
			return nil
		},
	}

	var force bool
	revokeCmd := &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Delete a user's key-encryption key, making their data unreadable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("revoking a key destroys the user's encrypted data; pass --force to confirm")
			}
			if err := keys.DeleteUserKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked key for %s\n", args[0])
			return nil
		},
	}
	revokeCmd.Flags().BoolVar(&force, "force", false, "confirm the revocation")

	keysCmd.AddCommand(stateCmd, ensureCmd, rotateCmd, revokeCmd)
	return keysCmd
}

type backfillFunc func(ctx context.Context, req pbhooks.BackfillRequest) (*pbhooks.BackfillResult, error)

func newBackfillCommand(backfill backfillFunc) *cobra.Command {
	var req pbhooks.BackfillRequest
	cmd := &cobra.Command{
		Use:   "backfill <collection>",
		Short: "Encrypt plaintext values already stored in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Collection = args[0]
			result, err := backfill(cmd.Context(), req)
			if err != nil {
				return err
			}
			verb := "migrated"
			if req.DryRun {
				verb = "would migrate"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %s %d, skipped %d\n",
				req.Collection, result.TotalRecords, verb, result.Migrated, result.Skipped)
			for _, e := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report without saving")
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 100, "records per page")
	return cmd
}
