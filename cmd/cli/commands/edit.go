package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

func addVisitFlags(flags *pflag.FlagSet) {
	flags.String("advisor", "", "Advisor ID (defaults to the configured user)")
	flags.String("farm", "", "Farm ID")
	flags.String("manager", "", "Manager who approves the visit")
	flags.String("farm-type", "", "Farm type (dairy, layer, broiler)")
	flags.String("date", "", "Proposed date (YYYY-MM-DD or RFC 3339)")
	flags.String("purpose", "", "Purpose of the visit")
	flags.String("location", "", "Location as \"lat,lng\"")
	flags.Bool("urgent", false, "Mark the visit as urgent")
}

// CreateCmd creates the create command
func CreateCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft visit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := createRequestFromFlags(cmd.Flags())
			if err != nil {
				return err
			}

			v, err := app.Session.Create(app.Ctx, req)
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Draft visit created: %s\n\n", v.ScheduleID)
			return nil
		},
	}

	addVisitFlags(cmd.Flags())
	return cmd
}

func createRequestFromFlags(flags *pflag.FlagSet) (gateway.CreateVisitRequest, error) {
	var req gateway.CreateVisitRequest
	req.AdvisorID, _ = flags.GetString("advisor")
	req.FarmID, _ = flags.GetString("farm")
	req.ManagerID, _ = flags.GetString("manager")
	req.VisitPurpose, _ = flags.GetString("purpose")
	req.IsUrgent, _ = flags.GetBool("urgent")

	farmType, _ := flags.GetString("farm-type")
	req.FarmType = model.FarmType(farmType)
	if ft, ok := model.ParseFarmType(farmType); ok {
		req.FarmType = ft
	}

	if date, _ := flags.GetString("date"); date != "" {
		d, err := parseDate(date)
		if err != nil {
			return req, err
		}
		req.ProposedDate = d
	}

	if loc, _ := flags.GetString("location"); loc != "" {
		l, err := model.ParseLocation(loc)
		if err != nil {
			return req, err
		}
		req.Location = l
	}

	return req, nil
}

// UpdateCmd creates the update command
func UpdateCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <schedule_id>",
		Short: "Update a visit (only the location once approved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := patchFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to update")
			}

			v, err := app.Session.Update(app.Ctx, args[0], patch)
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s updated\n", v.ScheduleID)
			printVisit(cmd.OutOrStdout(), v)
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	addVisitFlags(cmd.Flags())
	return cmd
}

// patchFromFlags sets only the fields whose flags were given
func patchFromFlags(flags *pflag.FlagSet) (gateway.VisitPatch, error) {
	var patch gateway.VisitPatch

	str := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		s, _ := flags.GetString(name)
		return &s
	}
	patch.AdvisorID = str("advisor")
	patch.FarmID = str("farm")
	patch.ManagerID = str("manager")
	patch.VisitPurpose = str("purpose")

	if flags.Changed("urgent") {
		urgent, _ := flags.GetBool("urgent")
		patch.IsUrgent = &urgent
	}

	if s := str("farm-type"); s != nil {
		ft, ok := model.ParseFarmType(*s)
		if !ok {
			ft = model.FarmType(*s)
		}
		patch.FarmType = &ft
	}

	if s := str("date"); s != nil {
		d, err := parseDate(*s)
		if err != nil {
			return patch, err
		}
		patch.ProposedDate = &d
	}

	if s := str("location"); s != nil {
		l, err := model.ParseLocation(*s)
		if err != nil {
			return patch, err
		}
		patch.Location = l
	}

	return patch, nil
}
