package runtime

import (
	"regexp"
	"strconv"
	"strings"
)

var clockTime = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*([ap])\.?m\.?`)

var numberWords = [...]string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tensWords = [...]string{2: "twenty", 3: "thirty", 4: "forty", 5: "fifty"}

// SpokenTimes rewrites clock times like "02:05 PM" as spoken English,
// "two oh five in the afternoon". Anything that is not a valid 12 hour
// time is left untouched.
func SpokenTimes(text string) string {
	return clockTime.ReplaceAllStringFunc(text, func(match string) string {
		sub := clockTime.FindStringSubmatch(match)
		hour, _ := strconv.Atoi(sub[1])
		minute, _ := strconv.Atoi(sub[2])
		if hour < 1 || hour > 12 || minute > 59 {
			return match
		}
		pm := strings.EqualFold(sub[3], "p")
		return spokenClock(hour, minute, pm)
	})
}

func spokenClock(hour, minute int, pm bool) string {
	h24 := hour % 12
	if pm {
		h24 += 12
	}

	var b strings.Builder
	b.WriteString(numberWords[hour])
	switch {
	case minute == 0:
		b.WriteString(" oh clock")
	case minute < 10:
		b.WriteString(" oh ")
		b.WriteString(numberWords[minute])
	default:
		b.WriteString(" ")
		b.WriteString(numberToWords(minute))
	}
	b.WriteString(" ")
	b.WriteString(timeframe(h24))
	return b.String()
}

func numberToWords(n int) string {
	if n < 20 {
		return numberWords[n]
	}
	if n%10 == 0 {
		return tensWords[n/10]
	}
	return tensWords[n/10] + " " + numberWords[n%10]
}

func timeframe(h24 int) string {
	switch {
	case h24 < 12:
		return "in the morning"
	case h24 < 19:
		return "in the afternoon"
	case h24 < 22:
		return "in the evening"
	default:
		return "at night"
	}
}
