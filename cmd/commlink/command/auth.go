package command

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"commlink/internal/auth"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash of a password",
	Long: `The output is suitable for EXPECTED_PASSWORD when CREDENTIAL_SOURCE=hashed.
Without an argument the password is read from stdin, without echo on a terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			read, err := promptForPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
			if err != nil {
				return err
			}
			password = read
		}
		if password == "" {
			return errors.New("password must not be empty")
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <username>",
	Short: "Issue a signed token for a username",
	Long: `The token can be sent as the password when CREDENTIAL_SOURCE=token, and as a
bearer token for the admin API. It is signed with JWT_SECRET.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl == 0 {
			ttl = cfg.JWTExpiry
		}

		token, err := auth.NewTokenService(cfg.JWTSecret, ttl).Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var addUserCmd = &cobra.Command{
	Use:   "add-user <username> <password>",
	Short: "Create a user for the database credential source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("database-url")
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		if dsn == "" {
			return errors.New("--database-url or DATABASE_URL is required")
		}

		db, err := auth.OpenUserDB(dsn)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		user, err := auth.CreateUser(cmd.Context(), auth.NewUserRepository(db), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd, issueTokenCmd, addUserCmd)

	issueTokenCmd.Flags().Duration("ttl", 0, "token lifetime (default $JWT_EXPIRY)")
	addUserCmd.Flags().String("database-url", "", "postgres DSN (default $DATABASE_URL)")
}

// promptForPassword reads one line from in. When in is a terminal the input
// is not echoed.
func promptForPassword(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytes, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
