package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/capability"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/output"
)

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities [server-version]",
	Short:   "Show which features the server supports",
	GroupID: "sync",
	Long: `Prints the feature support matrix. With no argument the configured
server is probed for its version; passing a version (e.g. 2.38.1) checks
against that instead, without any network call.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var serverVersion capability.Version
		if len(args) > 0 {
			serverVersion = capability.Parse(args[0])
			if serverVersion.IsZero() {
				output.Error("unparsable version %q", args[0])
				return fmt.Errorf("bad version")
			}
		} else {
			gw, err := newGateway()
			if err != nil {
				output.Error("%v", err)
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			serverVersion, err = gw.ServerInfo(ctx)
			if err != nil {
				output.Error("probe server: %v", err)
				return err
			}
		}

		fmt.Printf("Server version: %s\n\n", serverVersion)
		for _, feature := range capability.ListAll() {
			mark := output.SupportMark(capability.Supports(feature.Name, serverVersion))
			fmt.Printf("  %s  %-22s since %-8s %s\n",
				mark, feature.Name, feature.Min, feature.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}
