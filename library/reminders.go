package library

import (
	"bytes"
	"context"
	"text/template"
	"time"
)

// DefaultMaxLoanMonths is how long a copy may be kept before a reminder is due.
const DefaultMaxLoanMonths = 3

const (
	reminderFrom    = "notifications@kamu.com"
	reminderSubject = "Kamu friendly reminder"
)

var reminderBody = template.Must(template.New("reminder").Parse(`Hi!,

We noticed you still have the book <b>{{.BookName}}</b> borrowed in <b>{{.BorrowedDate}}</b>.

This is only a friendly reminder to return the book to the library.

If you are still reading the book, please ignore this message,

but consider that other people might be waiting for you to return it.

Greetings from Kamu team.

<i>Autogenerated email, please do not reply</i>
`))

// Reminder is a rendered overdue-loan notification.
type Reminder struct {
	From    string
	To      string
	Subject string
	Body    string
	Loan    Loan
}

// OverdueReminders renders a reminder for every active loan older than
// maxMonths at now. A non-positive maxMonths uses DefaultMaxLoanMonths.
func (lm *LibraryManager) OverdueReminders(ctx context.Context, now time.Time, maxMonths int) ([]Reminder, error) {
	if maxMonths <= 0 {
		maxMonths = DefaultMaxLoanMonths
	}
	loans, err := lm.db.ActiveLoansBefore(ctx, now.AddDate(0, -maxMonths, 0))
	if err != nil {
		return nil, err
	}
	reminders := make([]Reminder, 0, len(loans))
	for _, loan := range loans {
		var body bytes.Buffer
		err := reminderBody.Execute(&body, struct {
			BookName     string
			BorrowedDate string
		}{loan.BookTitle, loan.BorrowedAt.Format("Jan 2, 2006")})
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, Reminder{
			From:    reminderFrom,
			To:      loan.Email,
			Subject: reminderSubject,
			Body:    body.String(),
			Loan:    loan,
		})
	}
	return reminders, nil
}
