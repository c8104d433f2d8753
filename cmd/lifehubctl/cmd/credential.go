package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/service"
)

// credentialSummary is what list and show print unless --reveal is set.
type credentialSummary struct {
	Provider  string               `json:"provider"`
	Kind      model.CredentialKind `json:"kind"`
	CustomURL *string              `json:"customUrl,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`
	Secret    model.Credential     `json:"secret,omitempty"`
}

func summarize(c model.ProviderCredential, reveal bool) credentialSummary {
	s := credentialSummary{
		Provider:  c.ProviderID,
		Kind:      c.Credential.Kind(),
		CustomURL: c.CustomURL,
		CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt,
	}
	if reveal {
		s.Secret = c.Credential
	}
	return s
}

func newCredentialCommand(withEnv envRunner) *cobra.Command {
	credCmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage a user's third-party provider credentials",
	}

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List the supported providers",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, env *Env, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tCUSTOM URL")
			for _, p := range env.Credentials.Providers() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.ID, p.Name, p.Kind, p.AllowCustomURL)
			}
			return w.Flush()
		}),
	}

	var (
		token, username, password string
		accessToken, refreshToken string
		expiresIn                 time.Duration
		customURL                 string
		update                    bool
	)
	setCmd := &cobra.Command{
		Use:   "set <user-id> <provider>",
		Short: "Store a credential for a provider",
		Long: `Store a credential for a provider. The flags used depend on the
provider's kind:

  token  --token
  basic  --username --password
  oauth  --access-token [--refresh-token] [--expires-in]

Use --update to replace an existing credential.`,
		Args: cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			req := service.SaveCredentialRequest{ProviderID: args[1]}
			if cmd.Flags().Changed("url") {
				req.CustomURL = &customURL
			}
			switch {
			case token != "":
				req.Credential = model.TokenCredential{Token: token}
			case username != "" || password != "":
				req.Credential = model.BasicCredential{Username: username, Password: password}
			case accessToken != "":
				oauth := model.OAuthCredential{AccessToken: accessToken, RefreshToken: refreshToken}
				if expiresIn > 0 {
					at := time.Now().Add(expiresIn).UTC()
					oauth.ExpiresAt = &at
				}
				req.Credential = oauth
			default:
				return fmt.Errorf("%w: one of --token, --username/--password or --access-token", ErrMissingFlag)
			}

			save := env.Credentials.Save
			if update {
				save = env.Credentials.Update
			}
			stored, err := save(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarize(*stored, false))
		}),
	}
	setCmd.Flags().StringVar(&token, "token", "", "API token")
	setCmd.Flags().StringVar(&username, "username", "", "basic auth username")
	setCmd.Flags().StringVar(&password, "password", "", "basic auth password")
	setCmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token")
	setCmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	setCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "OAuth access token lifetime")
	setCmd.Flags().StringVar(&customURL, "url", "", "custom endpoint for self-hosted providers")
	setCmd.Flags().BoolVar(&update, "update", false, "replace an existing credential")

	var reveal bool
	listCmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			creds, err := env.Credentials.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := make([]credentialSummary, 0, len(creds))
			for _, c := range creds {
				out = append(out, summarize(c, reveal))
			}
			return printJSON(cmd.OutOrStdout(), out)
		}),
	}
	listCmd.Flags().BoolVar(&reveal, "reveal", false, "include decrypted secrets")

	showCmd := &cobra.Command{
		Use:   "show <user-id> <provider>",
		Short: "Show one stored credential",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			c, err := env.Credentials.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarize(*c, reveal))
		}),
	}
	showCmd.Flags().BoolVar(&reveal, "reveal", false, "include the decrypted secret")

	deleteCmd := &cobra.Command{
		Use:   "delete <user-id> <provider>",
		Short: "Delete a stored credential",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, env *Env, args []string) error {
			if err := env.Credentials.Delete(cmd.Context(), args[0], args[1]); err != nil {
				if errors.Is(err, apperror.ErrNotFound) {
					return fmt.Errorf("no %s credential for user %s", args[1], args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s credential\n", args[1])
			return nil
		}),
	}

	credCmd.AddCommand(providersCmd, setCmd, listCmd, showCmd, deleteCmd)
	return credCmd
}
