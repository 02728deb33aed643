package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/output"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/syncconfig"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage server authentication",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token for the server",
	Long: `Saves the server URL and a personal access token to the credentials
file. The token is verified against the server before being stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			fmt.Print("API token: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return fmt.Errorf("token required")
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return fmt.Errorf("get device id: %w", err)
		}

		// Verify before persisting anything
		gw, err := newGateway()
		if err != nil {
			return err
		}
		gw.BaseURL = strings.TrimRight(serverURL, "/")
		gw.Token = token

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		serverVersion, err := gw.ServerInfo(ctx)
		if err != nil {
			output.Error("could not reach %s: %v", serverURL, err)
			return err
		}

		creds := &syncconfig.AuthCredentials{
			APIToken:  token,
			ServerURL: serverURL,
			DeviceID:  deviceID,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Logged in to %s (server %s)", serverURL, serverVersion)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("read credentials: %v", err)
			return err
		}

		if !syncconfig.IsAuthenticated() {
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Printf("Server: %s\n", syncconfig.GetServerURL())
		if creds != nil && creds.DeviceID != "" {
			fmt.Printf("Device: %s\n", creds.DeviceID)
		}
		if os.Getenv("DATAFLOW_API_TOKEN") != "" {
			fmt.Println("Token: from environment")
		} else {
			fmt.Println("Token: stored")
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("server", "", "Server URL (defaults to configured)")
	authLoginCmd.Flags().String("token", "", "API token (prompted if omitted)")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
