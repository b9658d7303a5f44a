package schema

import "time"

// DateLayout is the storage and wire layout of attendance dates.
const DateLayout = "2006-01-02"

// AttendanceSummary is one student's attendance aggregate as of a school day.
type AttendanceSummary struct {
	StudentID              string    `json:"student_id"`
	SchoolID               string    `json:"school_id"`
	Date                   time.Time `json:"date"`
	AttendancePercent      float64   `json:"attendance_percent"`
	ConsecutiveAbsenceDays int       `json:"consecutive_absence_days"`
	TotalAbsenceDaysYTD    int       `json:"total_absence_days_ytd"`
}

// Guardian is the resolved primary contact for a student.
type Guardian struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Channels  []Channel `json:"channels"`
}

// Supports reports whether the guardian can be reached on ch.
func (g *Guardian) Supports(ch Channel) bool {
	for _, c := range g.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Address returns the recipient address for ch.
func (g *Guardian) Address(ch Channel) string {
	switch ch {
	case ChannelSMS:
		return g.Phone
	case ChannelEmail:
		return g.Email
	default:
		return ""
	}
}

// Escalation is the signal handed to case management when a run escalates.
type Escalation struct {
	RunID      string    `json:"run_id"`
	PlaybookID string    `json:"playbook_id"`
	InstanceID string    `json:"instance_id"`
	StudentID  string    `json:"student_id"`
	Reason     string    `json:"reason"`
	RaisedAt   time.Time `json:"raised_at"`
}

// TruncateDay returns t's calendar day at midnight UTC.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
