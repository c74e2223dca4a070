package services

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestParseSchedule_OneShot(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := ParseSchedule("2024-06-01T09:00:00Z", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}

	// 过去的一次性时间原样返回，由调用方决定是否停用
	past, err := ParseSchedule("2024-01-01T09:00:00Z", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule past one-shot failed: %v", err)
	}
	if !past.Before(now) {
		t.Fatalf("expected past time returned as-is, got %s", past)
	}
}

func TestParseSchedule_DailyRollsToNextDay(t *testing.T) {
	// 当天 09:00 已过，应该滚动到次日
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	next, err := ParseSchedule("daily:09:00", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}

	// 当天 09:00 未到
	now = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	next, err = ParseSchedule("daily:09:00", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestParseSchedule_DailyHonorsTimezoneAcrossDST(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	// 2024-03-10 美东进入夏令时：09:00 本地从 UTC-5 变为 UTC-4
	now := time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC) // 3月9日 15:00 EST
	next, err := ParseSchedule("daily:09:00", "America/New_York", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	local := next.In(ny)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("expected 09:00 local wall clock, got %s", local)
	}
	if next.Equal(time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected DST-adjusted UTC instant, got fixed-offset %s", next)
	}

	// 11月3日退出夏令时，同样保持本地 09:00
	now = time.Date(2024, 11, 2, 20, 0, 0, 0, time.UTC)
	next, err = ParseSchedule("daily:09:00", "America/New_York", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	local = next.In(ny)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("expected 09:00 local wall clock after fall back, got %s", local)
	}
}

func TestParseSchedule_Weekly(t *testing.T) {
	// 2024-03-05 是周二
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	// 周一在 6 天后
	next, err := ParseSchedule("weekly:monday:09:00", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}

	// 同一天但时刻已过：滚动整整一周
	now = time.Date(2024, 3, 4, 9, 1, 0, 0, time.UTC) // 周一 09:01
	next, err = ParseSchedule("weekly:monday:09:00", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next week %s, got %s", want, next)
	}

	// 三字母缩写
	if _, err := ParseSchedule("weekly:fri:18:30", "UTC", now); err != nil {
		t.Fatalf("expected short day name accepted: %v", err)
	}
}

func TestParseSchedule_Cron(t *testing.T) {
	// 2024-03-05 周二 12:30
	now := time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC)

	// 每周五 17:00
	next, err := ParseSchedule("0 17 * * 5", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	want := time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}

	// 通配分钟：下一分钟即命中
	next, err = ParseSchedule("* * * * *", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if !next.Equal(now.Truncate(time.Minute).Add(time.Minute)) {
		t.Fatalf("expected next minute, got %s", next)
	}

	// 星期名
	next, err = ParseSchedule("30 8 * * mon", "UTC", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if next.Weekday() != time.Monday || next.Hour() != 8 || next.Minute() != 30 {
		t.Fatalf("expected Monday 08:30, got %s", next)
	}
}

func TestParseSchedule_Errors(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		spec string
		tz   string
	}{
		{"empty", "", "UTC"},
		{"bad clock", "daily:25:00", "UTC"},
		{"bad day", "weekly:someday:09:00", "UTC"},
		{"cron day-of-month not supported", "0 9 1 * *", "UTC"},
		{"cron month not supported", "0 9 * 6 *", "UTC"},
		{"cron weekday out of range", "0 9 * * 9", "UTC"},
		{"unknown format", "hourly:15", "UTC"},
		{"bad timezone", "daily:09:00", "Mars/Olympus"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSchedule(tc.spec, tc.tz, now); err == nil {
				t.Fatalf("expected error for %q", tc.spec)
			}
		})
	}
}

func TestIsOneShotSchedule(t *testing.T) {
	if !IsOneShotSchedule("2024-06-01T09:00:00Z") {
		t.Error("RFC3339 timestamp should be one-shot")
	}
	if IsOneShotSchedule("daily:09:00") {
		t.Error("daily schedule should not be one-shot")
	}
	if IsOneShotSchedule("0 17 * * 5") {
		t.Error("cron schedule should not be one-shot")
	}
}

func TestParseSchedule_ResultAlwaysUTC(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	next, err := ParseSchedule("daily:09:00", "Asia/Tokyo", now)
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if next.Location() != time.UTC {
		t.Fatalf("expected UTC result, got %s", next.Location())
	}
	// 东京 09:00 = UTC 00:00
	if next.Hour() != 0 {
		t.Fatalf("expected 00:00 UTC for Tokyo 09:00, got %s", next)
	}
}
