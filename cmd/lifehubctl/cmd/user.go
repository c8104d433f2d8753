package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lifehub/internal/repository"
	"lifehub/internal/service"
)

// ErrMissingFlag is returned when a required flag is empty.
var ErrMissingFlag = errors.New("missing required flag")

func newUserCommand(withEnv envRunner) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var req service.CreateUserRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and provision their keys",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, env *Env, _ []string) error {
			profile, err := env.Users.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profile)
		}),
	}
	createCmd.Flags().StringVar(&req.Username, "username", "", "login name")
	createCmd.Flags().StringVar(&req.Email, "email", "", "email address")
	createCmd.Flags().StringVar(&req.Password, "password", "", "initial password")
	createCmd.Flags().StringVar(&req.Name, "name", "", "display name")

	showCmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's decrypted profile",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			profile, err := env.Users.Profile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profile)
		}),
	}

	findCmd := &cobra.Command{
		Use:   "find <email>",
		Short: "Find a user by email address",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			profile, err := env.Users.FindByEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profile)
		}),
	}

	var password string
	loginCmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Check a password and issue a session token",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if password == "" {
				return fmt.Errorf("%w: --password", ErrMissingFlag)
			}
			result, err := env.Users.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	}
	loginCmd.Flags().StringVar(&password, "password", "", "the user's password")

	verifyCmd := &cobra.Command{
		Use:   "verify <user-id>",
		Short: "Mark a user's email as verified",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if err := env.Users.Verify(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %s\n", args[0])
			return nil
		}),
	}

	var update struct {
		name, email, password string
	}
	updateCmd := &cobra.Command{
		Use:   "update <user-id>",
		Short: "Change a user's name, email or password",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			var req service.UpdateUserRequest
			if cmd.Flags().Changed("name") {
				req.Name = &update.name
			}
			if cmd.Flags().Changed("email") {
				req.Email = &update.email
			}
			if cmd.Flags().Changed("password") {
				req.Password = &update.password
			}
			profile, err := env.Users.UpdateProfile(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profile)
		}),
	}
	updateCmd.Flags().StringVar(&update.name, "name", "", "new display name")
	updateCmd.Flags().StringVar(&update.email, "email", "", "new email address")
	updateCmd.Flags().StringVar(&update.password, "password", "", "new password")

	deleteCmd := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user, their records and their key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if err := env.Users.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}

	var page repository.ListOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, env *Env, _ []string) error {
			profiles, err := env.Users.List(cmd.Context(), page)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), profiles)
		}),
	}
	listCmd.Flags().IntVar(&page.Limit, "limit", 50, "maximum number of users")
	listCmd.Flags().IntVar(&page.Offset, "offset", 0, "number of users to skip")

	userCmd.AddCommand(createCmd, showCmd, findCmd, loginCmd, verifyCmd, updateCmd, deleteCmd, listCmd)
	return userCmd
}

func newEmailHashCommand(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "email-hash <email>",
		Short: "Print the lookup hash stored for an email address",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), env.Users.EmailHash(args[0]))
			return nil
		}),
	}
}
