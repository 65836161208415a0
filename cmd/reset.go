package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetLedger bool
	resetYes    bool
	resetPath   string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset attendance state (ledger file, database)",
	Long:  "Clears attendance data. By default, it resets the ledger and, when configured, the database. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetLedger {
			resetLedger = true
			resetDB = DB != nil
		}
		if cmd.Flags().Changed("ledger-path") {
			Cfg.Ledger = resetPath
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLedger {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to empty %s?", Cfg.Ledger)) {
				fmt.Printf("🗑️  Clearing %s...\n", Cfg.Ledger)
				if err := ledger.Truncate(Cfg.Ledger); err != nil {
					utils.ShowError("Failed to reset ledger", err, nil)
					return err
				}
			}
		}

		if resetDB {
			if err := requireDB(); err != nil {
				return err
			}
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetLedger, "ledger", false, "Empty the attendance ledger file")
	resetCmd.Flags().StringVarP(&resetPath, "ledger-path", "l", "Attendance.csv", "Ledger file to empty")
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Drop the PostgreSQL tables")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
