package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/httpapi"
	"qms/caller-service/internal/models"

	"github.com/dustin/go-humanize"
)

func since(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func renderCall(w io.Writer, call models.CurrentCall, now time.Time) {
	fmt.Fprintf(w, "%s: calling %d (%s)\n", call.ClinicName, call.Number, since(call.Timestamp, now))
}

func renderClinics(w io.Writer, clinics []httpapi.ClinicView) {
	if len(clinics) == 0 {
		fmt.Fprintln(w, "no clinics")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCURRENT")
	for _, c := range clinics {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Name, humanize.Comma(int64(c.CurrentNumber)))
	}
	_ = tw.Flush()
}

func renderSettings(w io.Writer, s models.Settings, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "center\t%s\n", s.CenterName)
	fmt.Fprintf(tw, "audio\t%s at %.2fx\n", s.AudioType, s.AudioSpeed)
	fmt.Fprintf(tw, "audio path\t%s\n", s.AudioPath)
	fmt.Fprintf(tw, "media path\t%s\n", s.MediaPath)
	fmt.Fprintf(tw, "ticker\t%s\n", s.NewsTicker)
	if s.LastUpdated != nil {
		fmt.Fprintf(tw, "updated\t%s\n", since(*s.LastUpdated, now))
	}
	_ = tw.Flush()
}

func renderStatus(w io.Writer, display dispatcher.DisplayState, clinics []httpapi.ClinicView, queues map[string]models.QueueRecord, now time.Time) {
	if display.Current != nil {
		fmt.Fprint(w, "now showing: ")
		renderCall(w, *display.Current, now)
	} else {
		fmt.Fprintln(w, "now showing: nothing")
	}
	if display.Custom != nil {
		fmt.Fprintf(w, "message: %q (%s)\n", display.Custom.Message, since(display.Custom.Timestamp, now))
	}
	if len(clinics) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLINIC\tCURRENT\tLAST CALLED")
	for _, c := range clinics {
		last := "never"
		if q, ok := queues[c.ID]; ok && q.LastCalled != nil {
			last = since(*q.LastCalled, now)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Name, c.CurrentNumber, last)
	}
	_ = tw.Flush()
}

func renderHistory(w io.Writer, entries []dispatcher.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no operations yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		subject := e.ClinicName
		if e.Message != "" {
			subject = fmt.Sprintf("%q", e.Message)
		}
		number := ""
		if e.Number > 0 {
			number = fmt.Sprint(e.Number)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", since(e.At, now), e.Action, subject, number)
	}
	_ = tw.Flush()
}

func renderTickets(w io.Writer, batch dispatcher.TicketBatch) {
	fmt.Fprintf(w, "%s: now %d, %d waiting (%s)\n",
		batch.ClinicName, batch.Queue.CurrentNumber, batch.Queue.Waiting, batch.Queue.WaitLabel)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tAHEAD\tWAIT")
	for _, t := range batch.Tickets {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", t.Number, t.Waiting, t.WaitLabel)
	}
	_ = tw.Flush()
}
