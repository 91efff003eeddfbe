package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// SubmitCmd creates the submit command
func SubmitCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <schedule_id>",
		Short: "Submit a draft visit for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			approver, _ := cmd.Flags().GetString("approver")

			if approver == "" {
				v, ok := app.Session.Visit(id)
				if !ok {
					got, err := app.Gateway.Get(app.Ctx, id)
					if err != nil {
						return fail(app, err)
					}
					v = got
				}
				approver = v.ManagerID
			}
			if approver == "" {
				return fmt.Errorf("--approver is required when the visit has no manager")
			}

			v, err := app.Session.Submit(app.Ctx, id, approver)
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s submitted to %s (approval %s)\n\n", v.ScheduleID, approver, v.ApprovalStatus)
			return nil
		},
	}

	cmd.Flags().String("approver", "", "Approver ID (defaults to the visit's manager)")
	return cmd
}

// ApproveCmd creates the approve command
func ApproveCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <schedule_id>",
		Short: "Approve a submitted visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")

			v, err := app.Session.ProcessApproval(app.Ctx, args[0], gateway.ApprovalRequest{
				Action: gateway.Approve,
				Reason: note,
			})
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s approved\n\n", v.ScheduleID)
			return nil
		},
	}

	cmd.Flags().String("note", "", "Optional approval note")
	return cmd
}

// RejectCmd creates the reject command
func RejectCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <schedule_id>",
		Short: "Reject a submitted visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			v, err := app.Session.ProcessApproval(app.Ctx, args[0], gateway.ApprovalRequest{
				Action: gateway.Reject,
				Reason: reason,
			})
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s rejected: %s\n\n", v.ScheduleID, v.ApprovalNote)
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Why the visit is rejected (required)")
	return cmd
}

// PostponeCmd creates the postpone command
func PostponeCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone <schedule_id> <new_date>",
		Short: "Postpone a submitted visit to a new date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			date, err := parseDate(args[1])
			if err != nil {
				return err
			}

			v, err := app.Session.ProcessApproval(app.Ctx, args[0], gateway.ApprovalRequest{
				Action:        gateway.Postpone,
				Reason:        reason,
				PostponedDate: &date,
			})
			if err != nil {
				return fail(app, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n✓ Visit %s postponed to %s\n\n", v.ScheduleID, v.ProposedDate.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().String("reason", "", "Why the visit is postponed")
	return cmd
}
