package chatsync

import "time"

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	dateLabel      = "January 2, 2006"
)

// DateGroup is a run of consecutive messages sent on the same local day.
type DateGroup struct {
	Label    string
	Date     time.Time // local midnight
	Messages []*Message
}

// GroupByDate buckets an already ordered message list by calendar day in loc.
// A new group starts whenever the day changes between neighbours, so the
// input order is preserved exactly.
func GroupByDate(msgs []*Message, now time.Time, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	today := midnight(now, loc)
	yesterday := today.AddDate(0, 0, -1)

	var groups []DateGroup
	for _, m := range msgs {
		day := midnight(m.CreatedAt, loc)
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		label := day.Format(dateLabel)
		switch {
		case day.Equal(today):
			label = LabelToday
		case day.Equal(yesterday):
			label = LabelYesterday
		}
		groups = append(groups, DateGroup{Label: label, Date: day, Messages: []*Message{m}})
	}
	return groups
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
