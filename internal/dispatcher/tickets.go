package dispatcher

import (
	"context"
	"time"

	"qms/caller-service/internal/spoken"
)

const (
	// MaxTickets bounds one printed batch.
	MaxTickets        = 100
	MinutesPerPatient = 5
)

// Ticket is one printed queue number with the wait expected when it was
// printed.
type Ticket struct {
	Number           int    `json:"number"`
	Waiting          int    `json:"waiting"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
	WaitLabel        string `json:"waitLabel"`
}

// QueueInfo summarizes a clinic's queue for the printer screen.
type QueueInfo struct {
	CurrentNumber    int    `json:"currentNumber"`
	Waiting          int    `json:"waiting"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
	WaitLabel        string `json:"waitLabel"`
}

type TicketBatch struct {
	ClinicID    string    `json:"clinicId"`
	ClinicName  string    `json:"clinicName"`
	Queue       QueueInfo `json:"queue"`
	Tickets     []Ticket  `json:"tickets"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Tickets builds the numbers start..end for printing. Nothing is written;
// the estimate is taken against the clinic's number at the time of the call.
func (d *Dispatcher) Tickets(ctx context.Context, clinicID string, start, end int) (batch TicketBatch, err error) {
	ctx, span := d.startSpan(ctx, "tickets", clinicID)
	defer func() { endSpan(span, 0, err) }()

	if start < 1 {
		return TicketBatch{}, validationErr("start number must be at least 1")
	}
	if end < start {
		return TicketBatch{}, validationErr("end number must not be below start number")
	}
	if end-start+1 > MaxTickets {
		return TicketBatch{}, validationErr("at most %d tickets per batch", MaxTickets)
	}
	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return TicketBatch{}, err
	}

	current := clinic.CurrentNumber
	batch = TicketBatch{
		ClinicID:    clinic.ID,
		ClinicName:  clinic.Name,
		Queue:       queueInfo(current),
		Tickets:     make([]Ticket, 0, end-start+1),
		GeneratedAt: d.now(),
	}
	for n := start; n <= end; n++ {
		waiting := max(0, n-current-1)
		batch.Tickets = append(batch.Tickets, Ticket{
			Number:           n,
			Waiting:          waiting,
			EstimatedMinutes: waiting * MinutesPerPatient,
			WaitLabel:        spoken.WaitLabel(waiting * MinutesPerPatient),
		})
	}
	d.logger.Debug("tickets generated", "clinic", clinic.ID, "start", start, "end", end)
	return batch, nil
}

// queueInfo counts everyone called before the current number as still
// waiting, the way the printer screen always has.
func queueInfo(current int) QueueInfo {
	waiting := max(0, current-1)
	return QueueInfo{
		CurrentNumber:    current,
		Waiting:          waiting,
		EstimatedMinutes: waiting * MinutesPerPatient,
		WaitLabel:        spoken.WaitLabel(waiting * MinutesPerPatient),
	}
}
