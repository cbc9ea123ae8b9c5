package payload

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date tokens look like ${yyyyMMdd} or ${yyyy-MM-dd-1D}: a date pattern,
// optionally shifted by a signed amount of Y (years), M (months),
// W (weeks), D (days) or H (hours).
var dateToken = regexp.MustCompile(`\$\{([^}]*?)(?:([+-])(\d+)([YMWDH]))?\}`)

// patternAlphabet is what a date pattern may contain. Tokens with any
// other character, like ${HOME}, are left for the shell.
const patternAlphabet = "yYMdHhms-_:./ T"

// ReplaceDateTokens substitutes every date token in code with the
// scheduled time, in UTC, formatted by the token's pattern.
func ReplaceDateTokens(code string, scheduled time.Time) string {
	scheduled = scheduled.UTC()
	return dateToken.ReplaceAllStringFunc(code, func(token string) string {
		m := dateToken.FindStringSubmatch(token)
		pattern, sign, amount, unit := m[1], m[2], m[3], m[4]
		if !isDatePattern(pattern) {
			return token
		}

		t := scheduled
		if sign != "" {
			n, err := strconv.Atoi(amount)
			if err != nil {
				return token
			}
			if sign == "-" {
				n = -n
			}
			t = shift(t, n, unit)
		}
		return FormatDate(pattern, t)
	})
}

func isDatePattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	letters := false
	for _, r := range pattern {
		if !strings.ContainsRune(patternAlphabet, r) {
			return false
		}
		if strings.ContainsRune("yYMdHhms", r) {
			letters = true
		}
	}
	return letters
}

func shift(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "Y":
		return t.AddDate(n, 0, 0)
	case "M":
		return t.AddDate(0, n, 0)
	case "W":
		return t.AddDate(0, 0, 7*n)
	case "D":
		return t.AddDate(0, 0, n)
	case "H":
		return t.Add(time.Duration(n) * time.Hour)
	}
	return t
}

// FormatDate renders t with a yyyy/MM/dd/HH/mm/ss style pattern. Repeated
// letters set the zero-padded width; yy is the two-digit year, MMM and
// MMMM the month name. Other characters are copied through.
func FormatDate(pattern string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		j := i
		for j < len(pattern) && pattern[j] == c {
			j++
		}
		n := j - i
		i = j

		switch c {
		case 'y', 'Y':
			if n == 2 {
				pad(&b, t.Year()%100, 2)
			} else {
				pad(&b, t.Year(), max(n, 4))
			}
		case 'M':
			switch {
			case n >= 4:
				b.WriteString(t.Month().String())
			case n == 3:
				b.WriteString(t.Month().String()[:3])
			default:
				pad(&b, int(t.Month()), n)
			}
		case 'd':
			pad(&b, t.Day(), n)
		case 'H':
			pad(&b, t.Hour(), n)
		case 'h':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			pad(&b, h, n)
		case 'm':
			pad(&b, t.Minute(), n)
		case 's':
			pad(&b, t.Second(), n)
		default:
			b.WriteString(strings.Repeat(string(c), n))
		}
	}
	return b.String()
}

func pad(b *strings.Builder, v, width int) {
	fmt.Fprintf(b, "%0*d", width, v)
}
