package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/fieldsync/survey"
)

var surveyCmd = &cobra.Command{
	Use:     "survey",
	GroupID: "data",
	Short:   "Manage survey definitions",
}

var surveyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import features, layers and forms from a survey definition",
	Long: `Import a survey definition into the local database.

The file is YAML (.yaml, .yml) or TOML (.toml) and lists the survey, its
layers with their forms and fields, and the features placed in each layer:

  survey:
    id: meadows-2026
  layers:
    - id: plots
      forms:
        - id: census
          fields:
            - {id: count, type: number}
  features:
    - {id: plot-1, layer: plots}

Features that reference an unknown layer or carry invalid forms are skipped
and reported. Existing features are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		local, err := a.openLocal(ctx)
		if err != nil {
			return err
		}

		result, err := survey.ImportFile(ctx, local, args[0], survey.Options{DryRun: dryRun, Logger: &logger})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d features into survey %s\n",
			renderPass("✓"), verb, result.FeaturesImported, renderAccent(result.SurveyID))
		if result.FeaturesSkipped > 0 {
			fmt.Printf("%s Skipped %d features:\n", renderWarn("!"), result.FeaturesSkipped)
			for _, msg := range result.Errors {
				fmt.Printf("  %s\n", renderMuted(msg))
			}
		}
		return nil
	},
}

var surveyFeaturesCmd = &cobra.Command{
	Use:   "features [SURVEY]",
	Short: "List imported features",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surveyID := ""
		if len(args) == 1 {
			surveyID = args[0]
		}

		ctx := context.Background()
		a := &app{}
		defer a.close()
		local, err := a.openLocal(ctx)
		if err != nil {
			return err
		}

		features, err := local.ListFeatures(ctx, surveyID)
		if err != nil {
			return err
		}
		if len(features) == 0 {
			fmt.Println(renderMuted("No features imported. Run 'fieldsync survey import FILE'."))
			return nil
		}
		fmt.Println(renderHeader(fmt.Sprintf("%-20s %-20s %-16s %s", "SURVEY", "FEATURE", "LAYER", "FORMS")))
		for _, f := range features {
			forms := make([]string, 0, len(f.Layer.Forms))
			for _, form := range f.Layer.Forms {
				forms = append(forms, form.ID)
			}
			fmt.Printf("%-20s %s %-16s %s\n", f.SurveyID, renderAccent(fmt.Sprintf("%-20s", f.ID)), f.Layer.ID, renderMuted(fmt.Sprint(forms)))
		}
		return nil
	},
}

func init() {
	surveyImportCmd.Flags().Bool("dry-run", false, "validate the definition without writing")

	surveyCmd.AddCommand(surveyImportCmd)
	surveyCmd.AddCommand(surveyFeaturesCmd)
	rootCmd.AddCommand(surveyCmd)
}
