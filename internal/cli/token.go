package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sudooom.collab/internal/auth"
)

var errNoSecret = errors.New("auth.token_secret is not configured")

func newTokenCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		Long: `Sign an HS256 access token with the gateway's configured secret.
Only useful for development and tests; production tokens come from the identity service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, expiresAt, err := opts.mintToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

// mintToken 使用配置中的密钥签发 token
func (o *options) mintToken() (string, time.Time, error) {
	if o.userID == "" {
		return "", time.Time{}, errors.New("--user is required")
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		return "", time.Time{}, errNoSecret
	}
	return auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire).Generate(o.userID, o.userName)
}

// resolveToken --token 优先，否则本地签发
func (o *options) resolveToken() (string, error) {
	if o.token != "" {
		return o.token, nil
	}
	token, _, err := o.mintToken()
	return token, err
}
