package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Load an object by its portable id and write its data to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(casCfg)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.ParseID(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		ref, found, err := store.GetReference(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return caserr.NotFound("no object with id %q in this store", args[0])
		}
		obj, err := store.Load(ctx, ref)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(obj.Data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
