package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/vision"
	"github.com/spf13/cobra"
)

var (
	identifyOpts   Options
	identifyFromDB bool
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize the face in a still image against the enrolled gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyOptions(cmd, identifyOpts, Cfg)
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().BoolVar(&identifyFromDB, "from-db", false, "Match against the gallery synced to the database instead of the enrollment directory")
	addEnrollFlags(identifyCmd, &identifyOpts)
	addMatchFlags(identifyCmd, &identifyOpts)
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	if err := Cfg.Validate(); err != nil {
		return err
	}
	if identifyFromDB {
		if err := requireDB(); err != nil {
			return err
		}
	}
	img, err := gallery.DecodeFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	detector, err := vision.NewCascadeDetector(Cfg.Detector.Cascade, Cfg.Detector.Scale, Cfg.Detector.MinFaceSize)
	if err != nil {
		utils.ShowError("Failed to load face detector", err, nil)
		return err
	}
	defer detector.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	boxes, err := detector.Detect(ctx, img)
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}
	face := img
	switch len(boxes) {
	case 0:
		// Reference-style portraits are often cropped too tightly for the cascade.
		fmt.Fprintln(os.Stderr, "⚠️  No face detected, embedding the whole image.")
	default:
		if len(boxes) > 1 {
			fmt.Fprintf(os.Stderr, "⚠️  Multiple faces detected (%d). Using the largest face.\n", len(boxes))
		}
		if c := pipeline.Crop(img, largestFace(boxes)); c != nil {
			face = c
		}
	}

	provider, release, err := newEmbedder(Cfg)
	if err != nil {
		utils.ShowError("Failed to start embedding backend", err, nil)
		return err
	}
	defer release()

	vec, err := provider.Embed(ctx, face)
	if err != nil {
		utils.ShowError("Embedding failed", err, workerCmd(provider))
		return err
	}

	var g *gallery.Gallery
	if identifyFromDB {
		fmt.Fprintln(os.Stderr, "🗄️  Loading gallery from database...")
		g, err = DB.LoadGallery(ctx)
		if err != nil {
			utils.ShowError("Failed to load gallery from database", err, nil)
			return err
		}
	} else {
		g, err = loadGallery(ctx, Cfg.EnrollDir, provider)
		if err != nil {
			utils.ShowError("Enrollment failed", err, workerCmd(provider))
			return err
		}
	}
	res, err := recognition.Match(vec, g, Cfg.Recognition.Threshold)
	if err != nil {
		utils.ShowError("Recognition failed", err, nil)
		return err
	}
	if res.Matched {
		fmt.Printf("✅ Gallery match: %s (distance %.4f)\n", res.Label, res.Distance)
	} else {
		fmt.Println("❌ No match in the enrolled gallery.")
	}

	// The synced gallery was already matched exactly above.
	if DB == nil || identifyFromDB {
		return nil
	}
	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	name, dist, err := DB.FindClosestIdentity(ctx, vec, Cfg.Recognition.Threshold)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if name == "" {
		fmt.Println("❌ No match found in database.")
		return nil
	}
	fmt.Printf("✅ Database match: %s (distance %.4f)\n", name, dist)
	return nil
}

// largestFace picks the box with the biggest area; the first one wins ties.
func largestFace(boxes []types.BoundingBox) types.BoundingBox {
	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Area() > best.Area() {
			best = b
		}
	}
	return best
}
