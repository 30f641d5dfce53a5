package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/charmbracelet/x/term"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/errs"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to VRChat",
	Long:  "Sign in with your VRChat credentials. The session is saved for later commands.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ctrl, err := openController(ctx, false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		in := bufio.NewReader(os.Stdin)
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			if username, err = prompt(in, "Username: "); err != nil {
				return err
			}
		}
		password, err := readPassword(in, "Password: ")
		if err != nil {
			return err
		}

		methods, err := ctrl.Session.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		for len(methods) > 0 {
			method := methods[0]
			code, err := prompt(in, fmt.Sprintf("Two-factor code (%s): ", method))
			if err != nil {
				return err
			}
			err = ctrl.Session.SubmitTwoFactor(ctx, code, method)
			if err == nil {
				break
			}
			if !errs.Is(err, errs.TwoFactorInvalid) || ctrl.Session.State() != auth.AwaitingTwoFactor {
				return fmt.Errorf("verification failed: %w", err)
			}
			fmt.Println("⚠️  Wrong code, try again")
		}

		token, err := ctrl.Session.CurrentToken()
		if err != nil {
			return err
		}
		fmt.Printf("✅ Logged in as %s\n", token.DisplayName)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ctrl, err := openController(ctx, false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		// a stale session is still cleared locally
		_, _ = ctrl.Restore(ctx)
		if err := ctrl.Session.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("👋 Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		token, err := ctrl.Session.CurrentToken()
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", token.DisplayName, token.UserID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "VRChat username or email")
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo from a terminal and falls back to a plain
// line for piped input.
func readPassword(in *bufio.Reader, label string) (string, error) {
	fd := os.Stdin.Fd()
	if !term.IsTerminal(fd) {
		return prompt(in, label)
	}
	fmt.Print(label)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
