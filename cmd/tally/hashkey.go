package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <admin-key>",
	Short: "Print the bcrypt hash of an admin key for auth.admin_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAdminKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var newKeyCmd = &cobra.Command{
	Use:   "new-key <caller-id>",
	Short: "Generate a caller API key and its auth.caller_keys entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Printf("API Key:   %s\n", plaintext)
		fmt.Printf("Prefix:    %s\n", key.Prefix)
		fmt.Printf("\nauth:\n  caller_keys:\n    - id: %s\n      key_hash: %q\n", args[0], key.Hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd, newKeyCmd)
}
