package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/output"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/store"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/syncconfig"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local record store",
	Long:    `Creates the local SQLite store and default config under the data directory.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := syncconfig.DataDir()
		if err != nil {
			output.Error("resolve data dir: %v", err)
			return err
		}

		if _, err := os.Stat(filepath.Join(dir, store.FileName)); err == nil {
			output.Warning("store already exists at %s", dir)
			return nil
		}

		s, err := store.Open(dir)
		if err != nil {
			output.Error("initialize store: %v", err)
			return err
		}
		defer s.Close()

		fmt.Printf("Initialized store at %s\n", s.Path())

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("generate device id: %v", err)
			return err
		}
		fmt.Printf("Device: %s\n", deviceID)

		if !syncconfig.IsAuthenticated() {
			output.Info("Next: dataflow auth login")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
