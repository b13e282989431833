package conversation

import (
	"errors"
	"testing"
	"time"
)

func TestRuleParser_ParseTime(t *testing.T) {
	// Monday 2 March 2026, 08:00 UTC
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	at := func(month time.Month, day, hour, minute int) time.Time {
		return time.Date(2026, month, day, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		input string
		want  time.Time
	}{
		{"tomorrow at 10am", at(time.March, 3, 10, 0)},
		{"day after tomorrow 9am", at(time.March, 4, 9, 0)},
		{"next Monday 10am", at(time.March, 9, 10, 0)},
		{"monday 10am", at(time.March, 2, 10, 0)},
		{"monday 7am", at(time.March, 9, 7, 0)},
		{"Friday 2:30 pm", at(time.March, 6, 14, 30)},
		{"this wed at 11 a.m.", at(time.March, 4, 11, 0)},
		{"next week 11am", at(time.March, 9, 11, 0)},
		{"March 12 at noon", at(time.March, 12, 12, 0)},
		{"12th March 3pm", at(time.March, 12, 15, 0)},
		{"3/10 at 9am", at(time.March, 10, 9, 0)},
		{"2026-03-10 14:00", at(time.March, 10, 14, 0)},
		{"2026-03-10T09:30:00Z", at(time.March, 10, 9, 30)},
		{"on 2026-03-11 at 4pm", at(time.March, 11, 16, 0)},
		{"15:00", at(time.March, 2, 15, 0)},
		{"7am", at(time.March, 3, 7, 0)},
		{"February 1 10am", time.Date(2027, time.February, 1, 10, 0, 0, 0, time.UTC)},
	}

	var p RuleParser
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := p.ParseTime(tt.input, now, time.UTC)
			if err != nil {
				t.Fatalf("ParseTime(%q) error = %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTime(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !got.After(now) {
				t.Errorf("ParseTime(%q) = %v is not in the future", tt.input, got)
			}
		})
	}
}

func TestRuleParser_ParseTimeErrors(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  error
	}{
		{"next tuesday", ErrNoTime},
		{"March 20", ErrNoTime},
		{"sometime soon", ErrUnrecognized},
		{"13pm tomorrow", ErrUnrecognized},
		{"tomorrow 10 amazing", ErrNoTime},
		{"today 7am", ErrPastTime},
		{"2026-01-05 10:00", ErrPastTime},
	}

	var p RuleParser
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := p.ParseTime(tt.input, now, time.UTC)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseTime(%q) error = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestRuleParser_ParseTimeInLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)

	got, err := RuleParser{}.ParseTime("tomorrow 10am", now, loc)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 3, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRuleParser_ParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30 minutes", 30 * time.Minute, false},
		{"30", 30 * time.Minute, false},
		{"45 mins", 45 * time.Minute, false},
		{"half an hour", 30 * time.Minute, false},
		{"a quarter of an hour", 15 * time.Minute, false},
		{"an hour please", 60 * time.Minute, false},
		{"1 hour", 60 * time.Minute, false},
		{"1.5 hours", 90 * time.Minute, false},
		{"30m0s", 30 * time.Minute, false},
		{"1 hour 30 minutes", 90 * time.Minute, false},
		{"1 hour and 15 minutes", 75 * time.Minute, false},
		{"an hour and a half", 90 * time.Minute, false},
		{"one and a half hours", 90 * time.Minute, false},
		{"an hour and fifteen minutes", 75 * time.Minute, false},
		{"1h 15m", 75 * time.Minute, false},
		{"a while", 0, true},
		{"", 0, true},
	}

	var p RuleParser
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := p.ParseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
