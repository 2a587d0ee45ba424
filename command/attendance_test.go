package command

import (
	"testing"
	"time"

	"github.com/onnwee/milkyway-bot/db"
)

func kst(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, attendanceZone)
}

func TestNextAttendance(t *testing.T) {
	first, out := NextAttendance(nil, "ch", "u", "별", kst(1, 10, 0))
	if out != AttendanceNew || first.StreakCount != 1 || first.AttendanceCount != 1 {
		t.Fatalf("first check-in: %v %+v", out, first)
	}

	same, out := NextAttendance(&first, "ch", "u", "새이름", kst(1, 23, 59))
	if out != AttendanceAlready || same != first {
		t.Fatalf("same day: %v %+v", out, same)
	}

	next, out := NextAttendance(&first, "ch", "u", "새이름", kst(2, 0, 1))
	if out != AttendanceContinued || next.StreakCount != 2 || next.AttendanceCount != 2 || next.UserName != "새이름" {
		t.Fatalf("next day: %v %+v", out, next)
	}

	gap, out := NextAttendance(&next, "ch", "u", "새이름", kst(4, 9, 0))
	if out != AttendanceReset || gap.StreakCount != 1 || gap.AttendanceCount != 3 {
		t.Fatalf("after gap: %v %+v", out, gap)
	}
	if !gap.LastAttendanceAt.Equal(kst(4, 9, 0)) {
		t.Fatalf("last attendance not advanced: %v", gap.LastAttendanceAt)
	}
}

func TestNextAttendanceUsesKoreanCalendar(t *testing.T) {
	// 14:30 UTC and 15:30 UTC fall on different KST days.
	prev := db.Attendance{StreakCount: 4, AttendanceCount: 10,
		LastAttendanceAt: time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC)}
	next, out := NextAttendance(&prev, "ch", "u", "n", time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC))
	if out != AttendanceContinued || next.StreakCount != 5 || next.AttendanceCount != 11 {
		t.Fatalf("got %v %+v", out, next)
	}

	// 14:59 UTC is still the previous KST day.
	_, out = NextAttendance(&prev, "ch", "u", "n", time.Date(2025, 3, 1, 14, 59, 0, 0, time.UTC))
	if out != AttendanceAlready {
		t.Fatalf("same KST day: %v", out)
	}
}

func TestNextAttendanceClockSkew(t *testing.T) {
	prev := db.Attendance{StreakCount: 2, AttendanceCount: 2, LastAttendanceAt: kst(5, 12, 0)}
	got, out := NextAttendance(&prev, "ch", "u", "n", kst(4, 12, 0))
	if out != AttendanceAlready || got != prev {
		t.Fatalf("earlier clock: %v %+v", out, got)
	}
}
