package mandate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/errs"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
		want   Status
	}{
		{StatusDraft, ActionSent, StatusSent},
		{StatusSent, ActionAwaitingPO, StatusPendingBC},
		{StatusSent, ActionAccepted, StatusAccepted},
		{StatusPendingBC, ActionAccepted, StatusAccepted},
		{StatusPendingBC, ActionPOCaptured, StatusAccepted},
		{StatusSent, ActionRejected, StatusRejected},
		{StatusAccepted, ActionInvoiced, StatusAccepted},
		{StatusAccepted, ActionCompleted, StatusInvoiced},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := Next(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_Refused(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
	}{
		{StatusDraft, ActionAccepted},
		{StatusDraft, ActionRejected},
		{StatusPendingBC, ActionRejected},
		{StatusAccepted, ActionAccepted},
		{StatusRejected, ActionAccepted},
		{StatusRejected, ActionSent},
		{StatusSent, ActionInvoiced},
		{StatusPendingBC, ActionInvoiced},
		{StatusInvoiced, ActionInvoiced},
		{StatusInvoiced, ActionCompleted},
		{StatusSent, ActionPOCaptured},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			_, err := Next(tt.from, tt.action)
			assert.True(t, errs.IsInvalidState(err), "got %v", err)
		})
	}

	_, err := Next(StatusDraft, Action("archive"))
	assert.True(t, errs.IsValidation(err))
	assert.False(t, errs.IsInvalidState(err))
}

func TestCheckInvariant(t *testing.T) {
	number := "BC-2024-00001"
	for _, status := range []Status{StatusDraft, StatusSent, StatusPendingBC, StatusAccepted, StatusRejected, StatusInvoiced} {
		with := &Order{ID: 1, Status: status, CommandeNumber: &number}
		without := &Order{ID: 1, Status: status}
		if status.HasCommandeNumber() {
			assert.NoError(t, CheckInvariant(with), status)
			assert.True(t, errs.IsConsistencyViolation(CheckInvariant(without)), status)
		} else {
			assert.True(t, errs.IsConsistencyViolation(CheckInvariant(with)), status)
			assert.NoError(t, CheckInvariant(without), status)
		}
	}

	empty := ""
	assert.Error(t, CheckInvariant(&Order{Status: StatusAccepted, CommandeNumber: &empty}))
}
