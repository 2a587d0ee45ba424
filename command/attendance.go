package command

import (
	"time"

	"github.com/onnwee/milkyway-bot/db"
)

// attendanceZone is the calendar attendance days are counted in (UTC+9).
var attendanceZone = time.FixedZone("KST", 9*60*60)

// AttendanceOutcome describes what a check-in did.
type AttendanceOutcome int

const (
	AttendanceNew       AttendanceOutcome = iota + 1 // first check-in ever
	AttendanceContinued                              // checked in yesterday, streak grows
	AttendanceReset                                  // missed a day, streak restarts
	AttendanceAlready                                // already checked in today
)

func (o AttendanceOutcome) String() string {
	switch o {
	case AttendanceNew:
		return "new"
	case AttendanceContinued:
		return "continued"
	case AttendanceReset:
		return "reset"
	case AttendanceAlready:
		return "already_checked"
	}
	return "unknown"
}

func attendanceDay(t time.Time) time.Time {
	y, m, d := t.In(attendanceZone).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, attendanceZone)
}

// NextAttendance computes the record after a check-in at now. prev is nil
// for a viewer with no record. When the outcome is AttendanceAlready the
// previous record is returned unchanged.
func NextAttendance(prev *db.Attendance, channelID, userID, userName string, now time.Time) (db.Attendance, AttendanceOutcome) {
	if prev == nil {
		return db.Attendance{
			ChannelID:        channelID,
			UserID:           userID,
			UserName:         userName,
			AttendanceCount:  1,
			StreakCount:      1,
			LastAttendanceAt: now,
		}, AttendanceNew
	}
	days := int(attendanceDay(now).Sub(attendanceDay(prev.LastAttendanceAt)) / (24 * time.Hour))
	if days <= 0 {
		return *prev, AttendanceAlready
	}
	next := *prev
	next.ChannelID, next.UserID = channelID, userID
	next.UserName = userName
	next.AttendanceCount++
	next.LastAttendanceAt = now
	if days == 1 {
		next.StreakCount++
		return next, AttendanceContinued
	}
	next.StreakCount = 1
	return next, AttendanceReset
}
