package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	attendanceLedger  string
	attendanceFromDB  bool
	attendanceLimit   int
	attendanceGallery bool
)

var attendanceCmd = &cobra.Command{
	Use:     "attendance",
	Aliases: []string{"list"},
	Short:   "Show who has been marked present",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("ledger") {
			Cfg.Ledger = attendanceLedger
		}
		switch {
		case attendanceGallery:
			return listIdentities(cmd)
		case attendanceFromDB:
			return listDBAttendance(cmd)
		default:
			return listLedger(Cfg.Ledger)
		}
	},
}

func init() {
	attendanceCmd.Flags().StringVarP(&attendanceLedger, "ledger", "l", "Attendance.csv", "Attendance CSV file to read")
	attendanceCmd.Flags().BoolVar(&attendanceFromDB, "from-db", false, "Read the database mirror across all sessions instead of the ledger")
	attendanceCmd.Flags().IntVar(&attendanceLimit, "limit", 50, "Maximum rows to show with --from-db (0 for all)")
	attendanceCmd.Flags().BoolVar(&attendanceGallery, "identities", false, "List the gallery synced to the database instead")
	rootCmd.AddCommand(attendanceCmd)
}

func listLedger(path string) error {
	records, err := ledger.ReadFile(path)
	if err != nil {
		utils.ShowError("Failed to read attendance ledger", err, nil)
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No attendance recorded in %s.\n", path)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIME")
	fmt.Fprintln(w, "----\t----")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\n", r.Label, r.Time)
	}
	return w.Flush()
}

func listDBAttendance(cmd *cobra.Command) error {
	if err := requireDB(); err != nil {
		return err
	}
	rows, err := DB.ListAttendance(cmd.Context(), attendanceLimit)
	if err != nil {
		utils.ShowError("Failed to list attendance", err, nil)
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No attendance found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSOURCE\tNAME\tTIME\tRECORDED")
	fmt.Fprintln(w, "-------\t------\t----\t----\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(r.SessionID), r.Source, r.Label, r.Time,
			r.RecordedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func listIdentities(cmd *cobra.Command) error {
	if err := requireDB(); err != nil {
		return err
	}
	identities, err := DB.ListIdentities(cmd.Context())
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}
	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIM\tSYNCED")
	fmt.Fprintln(w, "----\t---\t------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%d\t%s\n", id.Name, id.Dim, id.SyncedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
