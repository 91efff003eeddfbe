package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/projection"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// ListCmd creates the list command
func ListCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visits with the actions available on each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			advisor, _ := cmd.Flags().GetString("advisor")
			farm, _ := cmd.Flags().GetString("farm")
			farmType, _ := cmd.Flags().GetString("farm-type")
			urgent, _ := cmd.Flags().GetBool("urgent")
			deleted, _ := cmd.Flags().GetBool("deleted")
			approval, _ := cmd.Flags().GetString("approval")
			status, _ := cmd.Flags().GetString("status")

			filter := gateway.ListFilter{
				AdvisorID:      advisor,
				FarmID:         farm,
				UrgentOnly:     urgent,
				IncludeDeleted: deleted,
			}
			if farmType != "" {
				ft, ok := model.ParseFarmType(farmType)
				if !ok {
					return fmt.Errorf("unknown farm type %q", farmType)
				}
				filter.FarmType = ft
			}

			var local projection.LocalFilter
			if approval != "" {
				a, ok := model.ParseApprovalStatus(approval)
				if !ok {
					return fmt.Errorf("unknown approval status %q", approval)
				}
				local.ApprovalStatus = a
			}
			if status != "" {
				s, ok := model.ParseVisitStatus(status)
				if !ok {
					return fmt.Errorf("unknown visit status %q", status)
				}
				local.VisitStatus = s
			}

			if err := app.Session.SetServerFilter(app.Ctx, filter); err != nil {
				return fail(app, err)
			}
			app.Session.SetLocalFilter(local)

			printRows(cmd.OutOrStdout(), app.Session.Rows())
			return nil
		},
	}

	cmd.Flags().String("advisor", "", "Only visits for this advisor")
	cmd.Flags().String("farm", "", "Only visits to this farm")
	cmd.Flags().String("farm-type", "", "Only this farm type (dairy, layer, broiler)")
	cmd.Flags().Bool("urgent", false, "Only urgent visits")
	cmd.Flags().Bool("deleted", false, "Include deleted visits")
	cmd.Flags().String("approval", "", "Only this approval status (e.g. pending, approved)")
	cmd.Flags().String("status", "", "Only this visit status (e.g. draft, in-progress)")

	return cmd
}

// ShowCmd creates the show command
func ShowCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <schedule_id>",
		Short: "Show a visit and its filled form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			v, ok := app.Session.Visit(id)
			if !ok {
				var err error
				v, err = app.Gateway.Get(app.Ctx, id)
				if err != nil {
					return fail(app, err)
				}
			}

			form, err := app.Gateway.GetFilledForm(app.Ctx, id)
			if err != nil {
				return fail(app, err)
			}

			out := cmd.OutOrStdout()
			printVisit(out, v)
			printDetail(out, form.Form)
			return nil
		},
	}
}
