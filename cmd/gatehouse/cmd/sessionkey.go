package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/internal/util"
)

var sessionKeyCmd = &cobra.Command{
	Use:   "session-key",
	Short: "Print a new random session_key for the bbolt session backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := util.NewAESKey()
		if err != nil {
			return err
		}
		defer util.Wipe(key)
		fmt.Fprintln(cmd.OutOrStdout(), util.HexEncode(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionKeyCmd)
}
