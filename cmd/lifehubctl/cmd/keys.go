package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCommand(withEnv envRunner) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Rotate key-encryption keys and re-encrypt records",
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <user-id>",
		Short: "Rotate one user's key-encryption key and rewrap their data key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if err := env.Rotation.RotateUserKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated key for %s\n", args[0])
			return nil
		}),
	}

	rotateAllCmd := &cobra.Command{
		Use:   "rotate-all",
		Short: "Rotate every user's key-encryption key",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, env *Env, _ []string) error {
			rotated, failed, err := env.Rotation.RotateAllKeys(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %d, failed %d\n", rotated, failed)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d key rotations failed", failed)
			}
			return nil
		}),
	}

	reencryptCmd := &cobra.Command{
		Use:   "reencrypt <user-id>",
		Short: "Re-encrypt a user's transactions written under an older field format",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			migrated, skipped, err := env.Rotation.ReencryptTransactions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, skipped %d\n", migrated, skipped)
			return nil
		}),
	}

	keysCmd.AddCommand(rotateCmd, rotateAllCmd, reencryptCmd)
	return keysCmd
}
