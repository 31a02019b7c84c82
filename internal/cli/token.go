package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"duel-engine/internal/model"
)

type TokenOptions struct {
	*RootOptions
	Subject string
	Role    string
	Secret  string
	TTL     time.Duration
}

// NewTokenCommand mints a development bearer token signed with the
// server's JWT secret.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an agent",
		Example: `  battlectl token --sub agent-a
  battlectl token --sub ops --role ADMIN --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := MintToken(opts.Secret, opts.Subject, model.Role(opts.Role), opts.TTL, time.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "mint token", err)
			}
			return emit(cmd, opts.RootOptions, map[string]string{"token": tok}, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "sub", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("sub")
	cmd.Flags().StringVar(&opts.Role, "role", string(model.RoleUser), "USER or ADMIN")
	cmd.Flags().StringVar(&opts.Secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 72*time.Hour, "token lifetime")

	return cmd
}

// MintToken signs the claims the API's auth middleware reads.
func MintToken(secret, subject string, role model.Role, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if role != model.RoleUser && role != model.RoleAdmin {
		return "", fmt.Errorf("role must be %s or %s", model.RoleUser, model.RoleAdmin)
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
