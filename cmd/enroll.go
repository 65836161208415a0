package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	enrollOpts Options
	enrollSync bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Embed the reference images and show who would be recognized",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyOptions(cmd, enrollOpts, Cfg)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		if enrollSync {
			if err := requireDB(); err != nil {
				return err
			}
		}

		provider, release, err := newEmbedder(Cfg)
		if err != nil {
			utils.ShowError("Failed to start embedding backend", err, nil)
			return err
		}
		defer release()

		g, err := loadGallery(cmd.Context(), Cfg.EnrollDir, provider)
		if err != nil {
			utils.ShowError("Enrollment failed", err, workerCmd(provider))
			return err
		}

		if g.Len() == 0 {
			fmt.Println("No faces enrolled.")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "LABEL\tDIM\tSOURCE")
			fmt.Fprintln(w, "-----\t---\t------")
			for _, id := range g.Identities() {
				fmt.Fprintf(w, "%s\t%d\t%s\n", id.Label, len(id.Embedding), filepath.Base(id.Source))
			}
			w.Flush()
		}

		if enrollSync {
			if err := DB.SyncGallery(cmd.Context(), g); err != nil {
				utils.ShowError("Failed to sync gallery to database", err, nil)
				return err
			}
			fmt.Printf("✅ Synced %d identities to the database.\n", g.Len())
		}
		return nil
	},
}

func init() {
	enrollCmd.Flags().BoolVar(&enrollSync, "sync", false, "Replace the database copy of the gallery with this enrollment")
	addEnrollFlags(enrollCmd, &enrollOpts)
	rootCmd.AddCommand(enrollCmd)
}
