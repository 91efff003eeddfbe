package storegateway

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/rules"
	"github.com/jakechorley/farm-visits/pkg/db"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	ids []string
	err error
}

func (n *recordingNotifier) FillCommitted(ctx context.Context, scheduleID string) error {
	n.ids = append(n.ids, scheduleID)
	return n.err
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *db.MemoryDB) {
	t.Helper()
	database := db.NewMemoryDB()
	seq := 0
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}, opts...)
	return New(database, zap.NewNop(), opts...), database
}

func createRequest(farmType model.FarmType) gateway.CreateVisitRequest {
	return gateway.CreateVisitRequest{
		AdvisorID:    "adv-1",
		FarmID:       "farm-1",
		ManagerID:    "mgr-1",
		FarmType:     farmType,
		ProposedDate: fixedNow.AddDate(0, 0, 7),
		VisitPurpose: "routine check",
	}
}

// approvedVisit drives a new visit through submit and approve
func approvedVisit(t *testing.T, g *Gateway, farmType model.FarmType) model.Visit {
	t.Helper()
	ctx := context.Background()

	v, err := g.Create(ctx, createRequest(farmType))
	require.NoError(t, err)
	_, err = g.Submit(ctx, v.ScheduleID, "mgr-1")
	require.NoError(t, err)
	v, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Approve, ApproverID: "mgr-1"})
	require.NoError(t, err)
	return v
}

func TestCreate_StartsAsDraft(t *testing.T) {
	g, _ := newTestGateway(t)

	v, err := g.Create(context.Background(), createRequest("layer"))
	require.NoError(t, err)

	assert.Equal(t, "id-1", v.ScheduleID)
	assert.Equal(t, model.VisitDraft, v.VisitStatus)
	assert.Equal(t, model.ApprovalNone, v.ApprovalStatus)
	assert.Equal(t, model.FarmLayer, v.FarmType)
	assert.Nil(t, v.ActualVisitDate)
}

func TestCreate_ValidationFailure(t *testing.T) {
	g, _ := newTestGateway(t)

	req := createRequest(model.FarmDairy)
	req.FarmID = ""
	req.FarmType = "GOAT"

	_, err := g.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gateway.IsValidation(err))

	fields := gateway.FieldErrors(err)
	assert.Contains(t, fields, "FarmID")
	assert.Contains(t, fields, "FarmType")
}

func TestApproveScenario(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)

	v, err = g.Submit(ctx, v.ScheduleID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, model.VisitScheduled, v.VisitStatus)
	assert.Equal(t, model.ApprovalPending, v.ApprovalStatus)
	assert.False(t, rules.CanFill(v, nil))

	v, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Approve, ApproverID: "mgr-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, v.ApprovalStatus)
	assert.Equal(t, model.VisitScheduled, v.VisitStatus)
	assert.True(t, rules.CanFill(v, nil))
}

func TestProcessApproval_WrongApprover(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)
	_, err = g.Submit(ctx, v.ScheduleID, "mgr-1")
	require.NoError(t, err)

	_, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Approve, ApproverID: "mgr-2"})
	require.Error(t, err)
	assert.True(t, gateway.IsValidation(err))
}

func TestProcessApproval_RejectNeedsReason(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)
	_, err = g.Submit(ctx, v.ScheduleID, "mgr-1")
	require.NoError(t, err)

	_, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Reject, ApproverID: "mgr-1"})
	require.Error(t, err)
	assert.Contains(t, gateway.FieldErrors(err), "Reason")

	v, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Reject, ApproverID: "mgr-1", Reason: "farm closed"})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, v.ApprovalStatus)
	assert.Equal(t, model.VisitScheduled, v.VisitStatus)
	assert.Equal(t, "farm closed", v.ApprovalNote)
}

func TestProcessApproval_PostponeMovesDate(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)
	_, err = g.Submit(ctx, v.ScheduleID, "mgr-1")
	require.NoError(t, err)

	newDate := fixedNow.AddDate(0, 1, 0)
	v, err = g.ProcessApproval(ctx, v.ScheduleID, gateway.ApprovalRequest{Action: gateway.Postpone, ApproverID: "mgr-1", PostponedDate: &newDate})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPostponed, v.ApprovalStatus)
	assert.True(t, newDate.Equal(v.ProposedDate))
}

func TestUpdate_ApprovedVisitFrozen(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	v := approvedVisit(t, g, model.FarmDairy)

	purpose := "changed"
	_, err := g.Update(ctx, v.ScheduleID, gateway.VisitPatch{VisitPurpose: &purpose})
	require.Error(t, err)
	assert.Contains(t, gateway.FieldErrors(err), "ApprovalStatus")

	// Location may still be recorded before the visit starts
	updated, err := g.Update(ctx, v.ScheduleID, gateway.VisitPatch{Location: &model.Location{Latitude: 9.03, Longitude: 38.74}})
	require.NoError(t, err)
	require.NotNil(t, updated.Location)
	assert.Equal(t, 9.03, updated.Location.Latitude)
}

func TestUpdate_NotFound(t *testing.T) {
	g, _ := newTestGateway(t)

	purpose := "x"
	_, err := g.Update(context.Background(), "missing", gateway.VisitPatch{VisitPurpose: &purpose})
	assert.True(t, gateway.IsNotFound(err))
}

func TestStart_RequiresLocation(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	v := approvedVisit(t, g, model.FarmLayer)

	_, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{})
	require.Error(t, err)
	assert.True(t, gateway.IsMissingField(err, "Location"))

	started, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{Location: &model.Location{Latitude: 1, Longitude: 2}})
	require.NoError(t, err)
	assert.Equal(t, model.VisitInProgress, started.VisitStatus)
	require.NotNil(t, started.ActualVisitDate)
	assert.True(t, fixedNow.Equal(*started.ActualVisitDate))

	// Retrying the start is harmless
	again, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, started, again)
}

func TestStart_NotApproved(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmLayer))
	require.NoError(t, err)

	_, err = g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{Location: &model.Location{}})
	require.Error(t, err)
	assert.Equal(t, "not allowed in current state", gateway.FieldErrors(err)["VisitStatus"])

	// The transition is described once, followed by the short field message
	msg := err.Error()
	assert.Equal(t, 1, strings.Count(msg, "cannot start visit"))
	assert.True(t, strings.HasSuffix(msg, ": VisitStatus: not allowed in current state"), msg)
}

func TestFill_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	g, database := newTestGateway(t, WithNotifier(notifier))
	v := approvedVisit(t, g, model.FarmLayer)

	_, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{Location: &model.Location{Latitude: 1, Longitude: 2}})
	require.NoError(t, err)

	form, err := g.GetFilledForm(ctx, v.ScheduleID)
	require.NoError(t, err)
	assert.False(t, form.Present())

	rec, err := g.Fill(ctx, model.FarmLayer, gateway.FillRequest{
		ScheduleID: v.ScheduleID,
		Layer:      &model.LayerVisit{FlockSize: 1200, EggProductionPercent: 88},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.DetailID)
	assert.Equal(t, []string{v.ScheduleID}, notifier.ids)

	stored, err := database.GetVisit(ctx, v.ScheduleID)
	require.NoError(t, err)
	assert.True(t, stored.FormFilled)

	// A second fill without the detail id updates the same record
	rec2, err := g.Fill(ctx, model.FarmLayer, gateway.FillRequest{
		ScheduleID: v.ScheduleID,
		Layer:      &model.LayerVisit{FlockSize: 1190, EggProductionPercent: 87},
	})
	require.NoError(t, err)
	assert.Equal(t, rec.DetailID, rec2.DetailID)

	form, err = g.GetFilledForm(ctx, v.ScheduleID)
	require.NoError(t, err)
	require.True(t, form.Present())
	assert.Equal(t, 1190, form.Form.Layer.FlockSize)
}

func TestFill_Rejections(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	v := approvedVisit(t, g, model.FarmDairy)

	t.Run("not in progress", func(t *testing.T) {
		_, err := g.Fill(ctx, model.FarmDairy, gateway.FillRequest{ScheduleID: v.ScheduleID, Dairy: &model.DairyVisit{HerdSize: 10}})
		require.Error(t, err)
		assert.Contains(t, gateway.FieldErrors(err), "VisitStatus")
	})

	_, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{Location: &model.Location{}})
	require.NoError(t, err)

	t.Run("wrong farm type", func(t *testing.T) {
		_, err := g.Fill(ctx, model.FarmLayer, gateway.FillRequest{ScheduleID: v.ScheduleID, Layer: &model.LayerVisit{}})
		require.Error(t, err)
		assert.Contains(t, gateway.FieldErrors(err), "FarmType")
	})

	t.Run("missing form body", func(t *testing.T) {
		_, err := g.Fill(ctx, model.FarmDairy, gateway.FillRequest{ScheduleID: v.ScheduleID})
		assert.True(t, gateway.IsMissingField(err, "Dairy"))
	})

	t.Run("field bounds", func(t *testing.T) {
		_, err := g.Fill(ctx, model.FarmDairy, gateway.FillRequest{
			ScheduleID: v.ScheduleID,
			Dairy:      &model.DairyVisit{HerdSize: 10, MilkingCows: 20},
		})
		require.Error(t, err)
		assert.Contains(t, gateway.FieldErrors(err), "Dairy.MilkingCows")
	})

	t.Run("unknown detail id", func(t *testing.T) {
		_, err := g.Fill(ctx, model.FarmDairy, gateway.FillRequest{
			ScheduleID: v.ScheduleID,
			DetailID:   "nope",
			Dairy:      &model.DairyVisit{HerdSize: 10},
		})
		assert.True(t, gateway.IsNotFound(err))
	})
}

func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	g, database := newTestGateway(t)
	v := approvedVisit(t, g, model.FarmDairy)

	_, err := g.Start(ctx, v.ScheduleID, "adv-1", gateway.StartRequest{Location: &model.Location{}})
	require.NoError(t, err)

	req := gateway.CompleteRequest{CompletedBy: "adv-1", VisitSummary: "herd healthy", FollowUpNote: "check feed"}

	first, err := g.Complete(ctx, v.ScheduleID, req)
	require.NoError(t, err)
	assert.Equal(t, model.VisitCompleted, first.VisitStatus)

	second, err := g.Complete(ctx, v.ScheduleID, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := database.GetVisit(ctx, v.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	_, err = g.Complete(ctx, v.ScheduleID, gateway.CompleteRequest{CompletedBy: "adv-1", VisitSummary: "different"})
	assert.True(t, gateway.IsValidation(err))
}

func TestComplete_RequiresSummary(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	v := approvedVisit(t, g, model.FarmDairy)

	_, err := g.Complete(ctx, v.ScheduleID, gateway.CompleteRequest{CompletedBy: "adv-1"})
	require.Error(t, err)
	assert.Contains(t, gateway.FieldErrors(err), "VisitSummary")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)

	cancelled, err := g.Cancel(ctx, v.ScheduleID, "adv-1", "duplicate booking")
	require.NoError(t, err)
	assert.Equal(t, model.VisitCancelled, cancelled.VisitStatus)

	purpose := "x"
	_, err = g.Update(ctx, v.ScheduleID, gateway.VisitPatch{VisitPurpose: &purpose})
	assert.True(t, gateway.IsValidation(err))
}

func TestDelete_SoftAndIdempotent(t *testing.T) {
	ctx := context.Background()
	g, database := newTestGateway(t)

	v, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)

	require.NoError(t, g.Delete(ctx, v.ScheduleID))
	require.NoError(t, g.Delete(ctx, v.ScheduleID))

	_, err = g.Get(ctx, v.ScheduleID)
	assert.True(t, gateway.IsNotFound(err))

	stored, err := database.GetVisit(ctx, v.ScheduleID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)

	visits, err := g.List(ctx, gateway.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, visits)

	visits, err = g.List(ctx, gateway.ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, visits, 1)

	assert.True(t, gateway.IsNotFound(g.Delete(ctx, "missing")))
}

func TestList_ServerFilter(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	_, err := g.Create(ctx, createRequest(model.FarmDairy))
	require.NoError(t, err)
	urgent := createRequest(model.FarmLayer)
	urgent.IsUrgent = true
	_, err = g.Create(ctx, urgent)
	require.NoError(t, err)

	visits, err := g.List(ctx, gateway.ListFilter{FarmType: "layer"})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, model.FarmLayer, visits[0].FarmType)

	visits, err = g.List(ctx, gateway.ListFilter{UrgentOnly: true})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.True(t, visits[0].IsUrgent)
}
