package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/output"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/schedule"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/syncconfig"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Reconcile local records with the server",
	GroupID: "sync",
}

var syncRunCmd = &cobra.Command{
	Use:   "run [org-unit]",
	Short: "Run one sync pass for an org unit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgUnit, err := resolveOrgUnit(args)
		if err != nil {
			return err
		}
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: dataflow auth login)")
			return fmt.Errorf("not authenticated")
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		verbose, _ := cmd.Flags().GetBool("verbose")
		eng, err := newEngine(s, verbose)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		report, err := eng.RunSync(ctx, orgUnit)
		if err != nil {
			output.Error("sync: %v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(report)
		}
		fmt.Print(output.FormatReport(report))
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [org-unit]",
	Short: "Show sync state counts and recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgUnit, err := resolveOrgUnit(args)
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		counts, err := s.CountByStatus(orgUnit)
		if err != nil {
			output.Error("count records: %v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(counts)
		}

		fmt.Printf("Org unit: %s\n", orgUnit)
		for _, status := range []models.SyncStatus{
			models.StatusPending, models.StatusSyncing, models.StatusSynced, models.StatusFailed,
		} {
			fmt.Printf("  %s  %d\n", output.StatusBadge(status), counts[status])
		}

		runs, err := s.RecentRuns(orgUnit, 5)
		if err != nil {
			output.Error("read run history: %v", err)
			return err
		}
		if len(runs) > 0 {
			fmt.Print(output.SectionHeader("recent runs"))
			for _, run := range runs {
				line := fmt.Sprintf("  %s  pushed %d, failed %d, skipped %d, pulled %d",
					output.FormatTimeAgo(run.StartedAt),
					run.Succeeded, run.Failed, run.Skipped, run.Pulled)
				if run.PullErr != "" {
					line += "  (pull failed)"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry [local-id]",
	Short: "Requeue failed records for the next sync run",
	Long: `Moves FAILED records back to PENDING with their attempt counter reset.
Give a local ID to retry one record, or --all with an org unit to retry
every failed record in it. Records the server rejected keep failing until
their payload is corrected; this only clears the sync state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return fmt.Errorf("give a local id or --all")
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		if all {
			orgUnit, err := resolveOrgUnit(nil)
			if err != nil {
				return err
			}
			n, err := s.ResetFailed(orgUnit, "")
			if err != nil {
				output.Error("retry failed records: %v", err)
				return err
			}
			output.Success("Requeued %d records in %s", n, orgUnit)
			return nil
		}

		rec, err := s.Get(args[0])
		if err != nil {
			output.Error("read record: %v", err)
			return err
		}
		if rec == nil {
			output.Error("no record %s", args[0])
			return fmt.Errorf("not found")
		}
		if rec.Status != models.StatusFailed {
			output.Warning("%s is %s, not FAILED", output.ShortID(rec.LocalID), rec.Status)
			return nil
		}

		if _, err := s.ResetFailed(rec.OrgUnit, rec.LocalID); err != nil {
			output.Error("retry record: %v", err)
			return err
		}
		output.Success("Requeued %s", output.ShortID(rec.LocalID))
		return nil
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync configured org units on a timer",
	Long: `Runs sync passes for the org units in the daemon config until
interrupted. Passes are skipped while the server is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: dataflow auth login)")
			return fmt.Errorf("not authenticated")
		}

		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := schedule.LoadConfig(configPath)
		if err != nil {
			output.Error("load daemon config: %v", err)
			return err
		}
		if configPath == "" {
			// No file: fall back to the default org unit
			orgUnit, err := resolveOrgUnit(nil)
			if err != nil {
				return err
			}
			cfg.OrgUnits = []string{orgUnit}
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		eng, err := newEngine(s, true)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		logger := daemonLogger()
		sched, err := schedule.New(cfg, eng, networkGate(syncconfig.GetServerURL()), logger)
		if err != nil {
			output.Error("start scheduler: %v", err)
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go sched.Start(ctx)
		<-ctx.Done()
		sched.Shutdown()
		sched.Wait()
		return nil
	},
}

// networkGate probes TCP reachability of the server so offline ticks skip
// quietly instead of burning retry attempts.
func networkGate(serverURL string) schedule.Gate {
	return func() bool {
		host := hostPortOf(serverURL)
		if host == "" {
			return true
		}
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

func init() {
	syncRunCmd.Flags().Bool("verbose", false, "Log engine detail to stderr")
	syncRunCmd.Flags().Bool("json", false, "Output the report as JSON")
	syncRunCmd.Flags().Duration("timeout", 2*time.Minute, "Abort the run after this long")
	syncStatusCmd.Flags().Bool("json", false, "Output JSON")
	syncRetryCmd.Flags().Bool("all", false, "Retry every failed record in the org unit")
	syncDaemonCmd.Flags().String("config", "", "Daemon TOML config file")

	syncCmd.AddCommand(syncRunCmd, syncStatusCmd, syncRetryCmd, syncDaemonCmd)
	rootCmd.AddCommand(syncCmd)
}
