package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

var observationCmd = &cobra.Command{
	Use:     "observation",
	Aliases: []string{"obs"},
	GroupID: "data",
	Short:   "List, record and edit observations",
}

var observationListCmd = &cobra.Command{
	Use:   "list SURVEY FEATURE FORM",
	Short: "List the observations of a form on a feature",
	Long: `List the observations of a form on a feature, oldest first.

The remote store is given refresh.timeout to deliver fresh data first. If it
is unreachable or slow the local copy is shown.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		repo, err := a.openRepository(ctx)
		if err != nil {
			return err
		}

		observations, err := repo.GetObservations(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if len(observations) == 0 {
			fmt.Println(renderMuted("No observations."))
			return nil
		}

		width := terminalWidth()
		fmt.Println(renderHeader(fmt.Sprintf("%-36s %-20s %s", "ID", "MODIFIED", "RESPONSES")))
		for _, obs := range observations {
			line := fmt.Sprintf("%-36s %-20s %s", obs.ID,
				obs.LastModified.ClientTimestamp.Local().Format("2006-01-02 15:04:05"),
				formatResponses(obs.Responses))
			line = truncate(line, width)
			if obs.PendingDeletion {
				line = renderMuted(line + " (deleting)")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var observationShowCmd = &cobra.Command{
	Use:   "show SURVEY FEATURE ID",
	Short: "Show one observation from the local database",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a := &app{}
		defer a.close()
		repo, err := a.openRepository(ctx)
		if err != nil {
			return err
		}

		obs, err := repo.GetObservation(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		printObservation(obs)
		return nil
	},
}

var observationAddCmd = &cobra.Command{
	Use:   "add SURVEY FEATURE FORM",
	Short: "Record a new observation",
	Long: `Record a new observation of FORM on a feature.

Responses are given with --set field=value, parsed by the field's type:
  text             any string
  number           a decimal number
  multiple_choice  comma separated option ids
  date             YYYY-MM-DD
  time             RFC 3339, e.g. 2026-05-01T09:30:00Z

The observation is saved locally and queued for sync. With --push the queue
for the feature is delivered before the command returns.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, _ := cmd.Flags().GetStringArray("set")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		repo, err := a.openRepository(ctx)
		if err != nil {
			return err
		}

		draft, err := repo.CreateDraft(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		form, err := lookupForm(ctx, a, draft)
		if err != nil {
			return err
		}
		deltas, err := parseDeltas(form, draft.Responses, sets, nil)
		if err != nil {
			return err
		}

		saved, err := repo.AddMutation(ctx, draft, deltas, true)
		if err != nil {
			return err
		}
		fmt.Printf("%s Recorded observation %s\n", renderPass("✓"), renderAccent(saved.ID))
		return maybePush(ctx, cmd, a, saved.FeatureID)
	},
}

var observationEditCmd = &cobra.Command{
	Use:   "edit SURVEY FEATURE ID",
	Short: "Change responses of an observation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, _ := cmd.Flags().GetStringArray("set")
		clears, _ := cmd.Flags().GetStringSlice("clear")
		if len(sets) == 0 && len(clears) == 0 {
			return fmt.Errorf("nothing to change: pass --set or --clear")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		repo, err := a.openRepository(ctx)
		if err != nil {
			return err
		}

		obs, err := repo.GetObservation(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		form, err := lookupForm(ctx, a, obs)
		if err != nil {
			return err
		}
		deltas, err := parseDeltas(form, obs.Responses, sets, clears)
		if err != nil {
			return err
		}
		if len(deltas) == 0 {
			fmt.Println(renderMuted("No changes."))
			return nil
		}

		if _, err := repo.AddMutation(ctx, obs, deltas, false); err != nil {
			return err
		}
		fmt.Printf("%s Updated %d responses of %s\n", renderPass("✓"), len(deltas), renderAccent(obs.ID))
		return maybePush(ctx, cmd, a, obs.FeatureID)
	},
}

var observationDeleteCmd = &cobra.Command{
	Use:   "delete SURVEY FEATURE ID",
	Short: "Delete an observation",
	Long: `Queue the deletion of an observation.

The observation stays in the local database, marked as deleting, until the
remote store has accepted the deletion.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		repo, err := a.openRepository(ctx)
		if err != nil {
			return err
		}

		obs, err := repo.GetObservation(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if err := repo.DeleteObservation(ctx, obs); err != nil {
			return err
		}
		fmt.Printf("%s Queued deletion of %s\n", renderPass("✓"), renderAccent(obs.ID))
		return maybePush(ctx, cmd, a, obs.FeatureID)
	},
}

func lookupForm(ctx context.Context, a *app, obs *schema.Observation) (schema.Form, error) {
	feature, err := a.local.GetFeature(ctx, obs.SurveyID, obs.FeatureID)
	if err != nil {
		return schema.Form{}, err
	}
	if feature == nil {
		return schema.Form{}, schema.NewNotFound("Feature", obs.FeatureID)
	}
	form, ok := feature.Layer.Form(obs.FormID)
	if !ok {
		return schema.Form{}, fmt.Errorf("%w: %w", schema.ErrInvalidForm, schema.NewNotFound("Form", obs.FormID))
	}
	return form, nil
}

// parseDeltas turns field=value assignments and cleared field ids into
// deltas against current. Assignments that leave a response unchanged and
// clears of unset fields produce no delta.
func parseDeltas(form schema.Form, current schema.Responses, sets, clears []string) ([]schema.ResponseDelta, error) {
	var deltas []schema.ResponseDelta
	seen := make(map[string]bool)

	for _, set := range sets {
		id, value, ok := strings.Cut(set, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", set)
		}
		if seen[id] {
			return nil, fmt.Errorf("field %s set more than once", id)
		}
		seen[id] = true

		field, ok := form.Field(id)
		if !ok {
			return nil, fmt.Errorf("form %s has no field %s", form.ID, id)
		}
		r, err := schema.ParseResponse(field.Type, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", id, err)
		}

		var original *schema.Response
		if prev, ok := current[id]; ok {
			if prev.Equal(r) {
				continue
			}
			original = &prev
		}
		deltas = append(deltas, schema.ResponseDelta{
			FieldID:   id,
			FieldType: field.Type,
			Original:  original,
			New:       &r,
		})
	}

	for _, id := range clears {
		if seen[id] {
			return nil, fmt.Errorf("field %s both set and cleared", id)
		}
		seen[id] = true

		field, ok := form.Field(id)
		if !ok {
			return nil, fmt.Errorf("form %s has no field %s", form.ID, id)
		}
		prev, ok := current[id]
		if !ok {
			continue
		}
		deltas = append(deltas, schema.ResponseDelta{
			FieldID:   id,
			FieldType: field.Type,
			Original:  &prev,
		})
	}
	return deltas, nil
}

func formatResponses(rs schema.Responses) string {
	ids := make([]string, 0, len(rs))
	for id := range rs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+rs[id].String())
	}
	return strings.Join(parts, " ")
}

func printObservation(obs *schema.Observation) {
	fmt.Printf("%s %s\n", renderHeader("Observation"), renderAccent(obs.ID))
	fmt.Printf("  Survey:   %s\n", obs.SurveyID)
	fmt.Printf("  Feature:  %s (layer %s)\n", obs.FeatureID, obs.LayerID)
	fmt.Printf("  Form:     %s\n", obs.FormID)
	fmt.Printf("  Created:  %s by %s\n", obs.Created.ClientTimestamp.Local().Format("2006-01-02 15:04:05"), obs.Created.User.ID)
	fmt.Printf("  Modified: %s by %s\n", obs.LastModified.ClientTimestamp.Local().Format("2006-01-02 15:04:05"), obs.LastModified.User.ID)
	if obs.PendingDeletion {
		fmt.Printf("  %s\n", renderWarn("Deletion pending sync"))
	}

	ids := make([]string, 0, len(obs.Responses))
	for id := range obs.Responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Println()
	for _, id := range ids {
		fmt.Printf("  %-20s %s\n", id, obs.Responses[id].String())
	}
}

// maybePush delivers the queue of key when --push was given.
func maybePush(ctx context.Context, cmd *cobra.Command, a *app, key string) error {
	push, _ := cmd.Flags().GetBool("push")
	if !push {
		return nil
	}
	if err := a.dispatcher.SyncKey(ctx, key); err != nil {
		return fmt.Errorf("saved locally, but sync failed: %w", err)
	}
	fmt.Printf("%s Synced %s\n", renderPass("✓"), key)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{observationAddCmd, observationEditCmd} {
		c.Flags().StringArray("set", nil, "set a response, field=value (repeatable)")
	}
	observationEditCmd.Flags().StringSlice("clear", nil, "clear the responses of these fields")
	for _, c := range []*cobra.Command{observationAddCmd, observationEditCmd, observationDeleteCmd} {
		c.Flags().Bool("push", false, "deliver queued mutations of the feature before returning")
	}

	observationCmd.AddCommand(observationListCmd, observationShowCmd, observationAddCmd, observationEditCmd, observationDeleteCmd)
	rootCmd.AddCommand(observationCmd)
}
