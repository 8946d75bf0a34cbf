package main

import (
	"errors"

	"github.com/spf13/cobra"

	"librastock/internal/server"
)

var hashTokenCmd = &cobra.Command{
	Use:         "hash-token TOKEN",
	Short:       "Print the admin.token_hash and admin.token_salt settings for TOKEN",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args[0]) < 16 {
			return userError(errors.New("token must be at least 16 characters"))
		}
		hash, salt, err := server.HashToken(args[0])
		if err != nil {
			return err
		}
		return output(map[string]map[string]string{
			"admin": {"token_hash": hash, "token_salt": salt},
		})
	},
}
