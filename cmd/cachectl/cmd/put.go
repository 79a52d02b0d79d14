package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [file]",
	Short: "Store a leaf object (no refs) and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(casCfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ref, err := store.Store(context.Background(), nil, data)
		if err != nil {
			return err
		}
		id, err := store.GetID(ref)
		if err != nil {
			return err
		}
		fmt.Println(store.PrintID(id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}
