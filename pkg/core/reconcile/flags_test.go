package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

func TestFlags_Transitions(t *testing.T) {
	f := NewFlags()

	assert.True(t, f.MarkRecent("a"))
	assert.False(t, f.MarkRecent("a"))
	assert.Equal(t, model.FillRecent, f.FillState("a"))

	assert.True(t, f.Confirm("a"))
	assert.False(t, f.Confirm("a"))
	assert.Equal(t, model.FillConfirmed, f.FillState("a"))

	// Expiry never clears a confirmed flag
	assert.False(t, f.Expire("a"))
	assert.Equal(t, model.FillConfirmed, f.FillState("a"))

	assert.True(t, f.Handoff("a"))
	assert.Equal(t, model.FillNone, f.FillState("a"))
	assert.Empty(t, f.Snapshot())
}

func TestFlags_HandoffLeavesRecent(t *testing.T) {
	f := NewFlags()
	f.MarkRecent("a")

	assert.False(t, f.Handoff("a"))
	assert.Equal(t, model.FillRecent, f.FillState("a"))

	assert.True(t, f.Clear("a"))
	assert.False(t, f.Clear("a"))
}

func TestFlags_ConfirmAndExpireRace(t *testing.T) {
	// Whichever order confirmation and expiry land in, the visit ends confirmed
	for i := 0; i < 200; i++ {
		f := NewFlags()
		f.MarkRecent("a")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.Confirm("a")
		}()
		go func() {
			defer wg.Done()
			f.Expire("a")
		}()
		wg.Wait()

		assert.Equal(t, model.FillConfirmed, f.FillState("a"))
	}
}

func TestFlags_ObserverSeesChanges(t *testing.T) {
	f := NewFlags()
	var seen []model.FillState
	f.Observe(func(id string, from, to model.FillState) {
		seen = append(seen, to)
	})

	f.MarkRecent("a")
	f.MarkRecent("a")
	f.Expire("a")

	assert.Equal(t, []model.FillState{model.FillRecent, model.FillNone}, seen)
}
