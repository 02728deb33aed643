package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/output"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Short:   "Manage local records",
	GroupID: "records",
}

var recordAddCmd = &cobra.Command{
	Use:   "add <entity-type> <json-payload>",
	Short: "Capture a new record locally",
	Long: `Stores a new record in the local store with status PENDING. The payload
is opaque JSON; it is validated for syntax only and pushed verbatim. Use
"-" to read the payload from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgUnit, _ := cmd.Flags().GetString("org-unit")
		if orgUnit == "" {
			var err error
			orgUnit, err = resolveOrgUnit(nil)
			if err != nil {
				return err
			}
		}

		payload := []byte(args[1])
		if args[1] == "-" {
			var err error
			payload, err = readAllStdin()
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
		if !json.Valid(payload) {
			output.Error("payload is not valid JSON")
			return fmt.Errorf("invalid payload")
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		rec := models.NewRecord(orgUnit, args[0], payload)
		if err := s.Upsert(rec); err != nil {
			output.Error("store record: %v", err)
			return err
		}

		output.Success("Added %s (%s)", output.ShortID(rec.LocalID), rec.EntityType)
		return nil
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list [org-unit]",
	Short: "List local records and their sync state",
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

		statusFilter, _ := cmd.Flags().GetString("status")

		var records []models.Record
		if statusFilter != "" {
			status := models.SyncStatus(statusFilter)
			if !status.Valid() {
				output.Error("unknown status %q", statusFilter)
				return fmt.Errorf("unknown status")
			}
			records, err = s.GetByStatus(orgUnit, status)
		} else {
			records, err = s.ListByOrgUnit(orgUnit)
		}
		if err != nil {
			output.Error("list records: %v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Info("No records for %s", orgUnit)
			return nil
		}
		for i := range records {
			fmt.Println(output.FormatRecordShort(&records[i]))
		}
		return nil
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show one record with full sync detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		rec, err := s.Get(args[0])
		if err != nil {
			output.Error("read record: %v", err)
			return err
		}
		if rec == nil {
			output.Error("no record %s", args[0])
			return fmt.Errorf("not found")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(rec)
		}
		fmt.Print(output.FormatRecordLong(rec))
		if showPayload, _ := cmd.Flags().GetBool("payload"); showPayload {
			fmt.Println(output.SectionHeader("payload"))
			return output.JSON(json.RawMessage(rec.Payload))
		}
		return nil
	},
}

var recordEditCmd = &cobra.Command{
	Use:   "edit <local-id> <json-payload>",
	Short: "Replace a record's payload",
	Long: `Replaces the payload and marks the record PENDING so the next sync run
pushes it, whatever state it was in before. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := []byte(args[1])
		if args[1] == "-" {
			var err error
			payload, err = readAllStdin()
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
		if !json.Valid(payload) {
			output.Error("payload is not valid JSON")
			return fmt.Errorf("invalid payload")
		}

		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		rec, err := s.Get(args[0])
		if err != nil {
			output.Error("read record: %v", err)
			return err
		}
		if rec == nil {
			output.Error("no record %s", args[0])
			return fmt.Errorf("not found")
		}

		if err := s.ApplyLocalEdit(rec.LocalID, payload); err != nil {
			output.Error("apply edit: %v", err)
			return err
		}
		output.Success("Updated %s, will sync", output.ShortID(rec.LocalID))
		return nil
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a record",
	Long: `Marks the record as deleted. Records the server has acknowledged become
tombstones and the remote copy is removed on the next sync run; records
the server never saw are removed immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		rec, err := s.Get(args[0])
		if err != nil {
			output.Error("read record: %v", err)
			return err
		}
		if rec == nil {
			output.Error("no record %s", args[0])
			return fmt.Errorf("not found")
		}

		// A record the server never saw needs no tombstone, unless a push
		// is in flight right now and may be assigning it an identity.
		if rec.RemoteID == "" && rec.Status != models.StatusSyncing {
			if err := s.Delete(rec.LocalID); err != nil {
				output.Error("delete record: %v", err)
				return err
			}
			output.Success("Deleted %s", output.ShortID(rec.LocalID))
			return nil
		}

		if err := s.MarkDeleted(rec.LocalID); err != nil {
			output.Error("mark deleted: %v", err)
			return err
		}
		output.Success("Deleted %s, remote copy removed on next sync", output.ShortID(rec.LocalID))
		return nil
	},
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func init() {
	recordAddCmd.Flags().String("org-unit", "", "Org unit the record belongs to")
	recordListCmd.Flags().String("status", "", "Filter by sync status (PENDING, SYNCING, SYNCED, FAILED)")
	recordListCmd.Flags().Bool("json", false, "Output JSON")
	recordShowCmd.Flags().Bool("json", false, "Output JSON")
	recordShowCmd.Flags().Bool("payload", false, "Print the payload too")

	recordCmd.AddCommand(recordAddCmd, recordListCmd, recordShowCmd, recordEditCmd, recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}
