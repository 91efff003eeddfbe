package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/reconcile"
	"github.com/jakechorley/farm-visits/pkg/core/services"
)

// StartCmd creates the start command
func StartCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <schedule_id>",
		Short: "Start an approved visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var loc *model.Location
			if s, _ := cmd.Flags().GetString("location"); s != "" {
				l, err := model.ParseLocation(s)
				if err != nil {
					return err
				}
				loc = l
			}

			v, err := app.Session.Start(app.Ctx, args[0], loc)
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s started at %s\n\n", v.ScheduleID, v.Location)
			return nil
		},
	}

	cmd.Flags().String("location", "", "Location as \"lat,lng\" (required unless already recorded)")
	return cmd
}

// fillFile is the YAML form read by the fill command
type fillFile struct {
	Location        string            `yaml:"location,omitempty"`
	Recommendations string            `yaml:"recommendations,omitempty"`
	Layer           *model.LayerVisit `yaml:"layer,omitempty"`
	Dairy           *model.DairyVisit `yaml:"dairy,omitempty"`
}

func loadFillForm(path string) (reconcile.FillForm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reconcile.FillForm{}, fmt.Errorf("failed to read form file: %w", err)
	}

	var f fillFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return reconcile.FillForm{}, fmt.Errorf("failed to parse form file: %w", err)
	}

	form := reconcile.FillForm{
		Layer:           f.Layer,
		Dairy:           f.Dairy,
		Recommendations: f.Recommendations,
	}
	if f.Location != "" {
		loc, err := model.ParseLocation(f.Location)
		if err != nil {
			return reconcile.FillForm{}, err
		}
		form.Location = loc
	}
	return form, nil
}

// FillCmd creates the fill command
func FillCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fill <schedule_id> <form.yaml>",
		Short: "Fill the farm form for a visit and wait for it to be confirmed",
		Long: `Fill the farm-type form for a visit from a YAML file, starting the visit first
if it is only approved. The form is written with "layer:" or "dairy:" keys matching
the visit's farm type, plus optional "location" and "recommendations".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			noWait, _ := cmd.Flags().GetBool("no-wait")

			form, err := loadFillForm(args[1])
			if err != nil {
				return err
			}
			if s, _ := cmd.Flags().GetString("location"); s != "" {
				loc, err := model.ParseLocation(s)
				if err != nil {
					return err
				}
				form.Location = loc
			}

			res, err := app.Session.Fill(app.Ctx, id, form)
			if err != nil {
				return fail(app, err)
			}

			out := cmd.OutOrStdout()
			if res.Started {
				fmt.Fprintf(out, "\n✓ Visit %s started\n", id)
			}
			fmt.Fprintf(out, "✓ Form %s saved, awaiting confirmation\n", res.Detail.DetailID)
			if noWait {
				fmt.Fprintln(out)
				return nil
			}

			cfg := app.Session.Engine().Config()
			ctx, cancel := context.WithTimeout(app.Ctx, cfg.ExpireAfter+5*time.Second)
			defer cancel()

			outcome, ok, err := app.Session.Engine().Wait(ctx, id)
			if err != nil {
				return fail(app, err)
			}
			if !ok {
				// The loop settled before we started waiting
				outcome = reconcile.OutcomeConfirmed
				if app.Session.Flags().FillState(id) == model.FillNone {
					if v, found := app.Session.Visit(id); found && !v.FormFilled {
						outcome = reconcile.OutcomeExpired
					}
				}
			}

			app.Logger.Debug("Fill settled", zap.String("schedule_id", id), zap.Stringer("outcome", outcome))
			switch outcome {
			case reconcile.OutcomeConfirmed:
				fmt.Fprintf(out, "%s✓ Form confirmed%s\n\n", colorGreen, colorReset)
			case reconcile.OutcomeExpired:
				fmt.Fprintf(out, "%s⚠️  Form not visible after %s; it may still arrive, check with 'show'%s\n\n", colorYellow, cfg.ExpireAfter, colorReset)
			default:
				fmt.Fprintf(out, "Confirmation %s\n\n", outcome)
			}
			return nil
		},
	}

	cmd.Flags().String("location", "", "Location as \"lat,lng\" (overrides the form file)")
	cmd.Flags().Bool("no-wait", false, "Return without waiting for confirmation")
	return cmd
}

// CompleteCmd creates the complete command
func CompleteCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <schedule_id>",
		Short: "Complete an in-progress visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, _ := cmd.Flags().GetString("summary")
			note, _ := cmd.Flags().GetString("follow-up-note")

			in := services.CompleteInput{VisitSummary: summary, FollowUpNote: note}
			if s, _ := cmd.Flags().GetString("date"); s != "" {
				d, err := parseDate(s)
				if err != nil {
					return err
				}
				in.ActualVisitDate = &d
			}
			if s, _ := cmd.Flags().GetString("follow-up"); s != "" {
				d, err := parseDate(s)
				if err != nil {
					return err
				}
				in.NextFollowUpDate = &d
			}

			v, err := app.Session.Complete(app.Ctx, args[0], in)
			if err != nil {
				return fail(app, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Visit %s completed\n", v.ScheduleID)
			if v.NextFollowUpDate != nil {
				fmt.Fprintf(out, "Next follow-up: %s\n", v.NextFollowUpDate.Format("2006-01-02 (Monday)"))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().String("summary", "", "Visit summary (required)")
	cmd.Flags().String("date", "", "Actual visit date (defaults to when the visit started)")
	cmd.Flags().String("follow-up", "", "Next follow-up date (defaults to the configured follow-up rule)")
	cmd.Flags().String("follow-up-note", "", "Follow-up note")
	return cmd
}

// CancelCmd creates the cancel command
func CancelCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <schedule_id>",
		Short: "Cancel a visit that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			v, err := app.Session.Cancel(app.Ctx, args[0], reason)
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s cancelled\n\n", v.ScheduleID)
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Why the visit is cancelled")
	return cmd
}

// DeleteCmd creates the delete command
func DeleteCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule_id>",
		Short: "Delete a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Session.Delete(app.Ctx, args[0]); err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s deleted\n\n", args[0])
			return nil
		},
	}
}

// MigrateCmd creates the migrate command
func MigrateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations (postgres backend only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Postgres == nil {
				return fmt.Errorf("migrate requires the postgres backend (configured: %s)", app.Cfg.Backend)
			}

			ran, err := app.Postgres.RunMigrations(app.Ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ran) == 0 {
				fmt.Fprintln(out, "Database is up to date.")
				return nil
			}
			fmt.Fprintf(out, "\n✓ Applied %d migrations:\n", len(ran))
			for _, name := range ran {
				fmt.Fprintf(out, "  - %s\n", name)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}
