package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var registerLogin string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new vault account",
	Long: `Create a new vault account with the given login, prompting twice for the
master password so a typo isn't silently registered.`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVarP(&registerLogin, "login", "l", "", "account login")
	registerCmd.MarkFlagRequired("login")
}

func runRegister(cmd *cobra.Command, args []string) error {
	password, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer zeroBytes(password)

	confirm, err := promptPassword("Confirm master password: ")
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)

	if !bytes.Equal(password, confirm) {
		return userError{msg: "passwords do not match"}
	}

	resp, err := client.RegisterAccount(context.Background(), registerLogin, string(password))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	fmt.Printf("registered %s (user_id=%s); run 'vaultctl session --login %s' to unlock\n", registerLogin, resp.UserID, registerLogin)
	return nil
}
