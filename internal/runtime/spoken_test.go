package runtime

import "testing"

func TestSpokenTimes(t *testing.T) {
	cases := map[string]string{
		"at 02:05 PM":             "at two oh five in the afternoon",
		"12:00 AM sharp":          "twelve oh clock in the morning sharp",
		"9:45 p.m.":               "nine forty five in the evening",
		"11:30pm":                 "eleven thirty at night",
		"07:15 am and 6:20 pm":    "seven fifteen in the morning and six twenty in the afternoon",
		"13:00 PM stays":          "13:00 PM stays",
		"no times here, 10:99 AM": "no times here, 10:99 AM",
	}
	for in, want := range cases {
		if got := SpokenTimes(in); got != want {
			t.Fatalf("SpokenTimes(%q)=%q want=%q", in, got, want)
		}
	}
}
