package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucidvault/vaultcore/internal/service"
	"github.com/lucidvault/vaultcore/internal/settings"
)

// userError is returned by command handlers for a condition the operator
// caused (bad flags, wrong password) as opposed to an unexpected internal
// failure; handleError prints it without the "error:" prefix the latter
// gets.
type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

var (
	apiBaseURL string
	autoLock   time.Duration

	client *service.Client
)

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "vaultctl is a command-line client for an end-to-end-encrypted bookmark vault",
	Long: `vaultctl drives the same register/unlock/sync pipeline a browser-extension
or desktop host would, against a vault server speaking the HTTP contract
documented for this project.

Keys never touch disk: every session command below only holds decrypted
key material for the lifetime of the running process.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s := settings.Defaults()
		s.APIBaseURL = apiBaseURL
		if autoLock != 0 {
			s.AutoLockTimeout = autoLock
		}
		if err := s.Validate(); err != nil {
			return userError{msg: err.Error()}
		}
		client = service.New(s)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		handleError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api", "", "vault server base URL")
	rootCmd.PersistentFlags().DurationVar(&autoLock, "auto-lock", 0, "auto-lock idle timeout (default 20m; must be one of the allowed durations)")
	rootCmd.MarkPersistentFlagRequired("api")
}

func handleError(err error) {
	if err == nil {
		return
	}
	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
