package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketsRangeLimits(t *testing.T) {
	d, st, _, clinic := setup(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end int
		wantErr    bool
	}{
		{"start zero", 0, 5, true},
		{"end below start", 10, 9, true},
		{"one over the limit", 1, MaxTickets + 1, true},
		{"single ticket", 7, 7, false},
		{"full batch", 1, MaxTickets, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st.reset()
			batch, err := d.Tickets(ctx, clinic.ID, tt.start, tt.end)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				reads, writes := st.counts()
				assert.Zero(t, reads)
				assert.Empty(t, writes)
				return
			}
			require.NoError(t, err)
			assert.Len(t, batch.Tickets, tt.end-tt.start+1)
			assert.Equal(t, tt.start, batch.Tickets[0].Number)
		})
	}

	_, err := d.Tickets(ctx, "missing", 1, 2)
	assert.ErrorIs(t, err, ErrUnknownClinic)
}

func TestTicketsEstimateWaitFromCurrentNumber(t *testing.T) {
	d, st, _, clinic := setup(t, Options{})
	ctx := context.Background()
	_, err := d.SetCustom(ctx, clinic.ID, 4)
	require.NoError(t, err)
	st.reset()

	batch, err := d.Tickets(ctx, clinic.ID, 3, 7)
	require.NoError(t, err)
	_, writes := st.counts()
	assert.Empty(t, writes)

	assert.Equal(t, clinic.Name, batch.ClinicName)
	assert.Equal(t, QueueInfo{CurrentNumber: 4, Waiting: 3, EstimatedMinutes: 15, WaitLabel: "15 دقيقة"}, batch.Queue)

	wantWaiting := []int{0, 0, 0, 1, 2}
	for i, ticket := range batch.Tickets {
		assert.Equal(t, 3+i, ticket.Number)
		assert.Equal(t, wantWaiting[i], ticket.Waiting, "ticket %d", ticket.Number)
		assert.Equal(t, wantWaiting[i]*MinutesPerPatient, ticket.EstimatedMinutes)
	}
	assert.Equal(t, "الآن", batch.Tickets[0].WaitLabel)
	assert.Equal(t, "10 دقيقة", batch.Tickets[4].WaitLabel)
}
