package ocr

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	isoDatePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	looseDatePattern = regexp.MustCompile(`^(\d{4})([./-])(\d{1,2})([./-])(\d{1,2})$`)
	nonDigitPattern  = regexp.MustCompile(`\D`)
)

// NormalizeAmount coerces an OCR or user value into a non-negative whole
// amount. Numbers are truncated and lose their sign, strings keep only their
// digits, everything else is 0.
func NormalizeAmount(v any) int {
	switch n := v.(type) {
	case int:
		return absInt(n)
	case int64:
		return absInt(int(n))
	case int32:
		return absInt(int(n))
	case float32:
		return fromFloat(float64(n))
	case float64:
		return fromFloat(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return digitsOnly(n.String())
		}
		return fromFloat(f)
	case string:
		return digitsOnly(n)
	}
	return 0
}

func fromFloat(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Abs(math.Trunc(f))
	if f > math.MaxInt32*float64(1<<31) {
		return 0
	}
	return int(f)
}

func digitsOnly(s string) int {
	digits := nonDigitPattern.ReplaceAllString(s, "")
	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// NormalizeDate returns v as a YYYY-MM-DD string. Dotted, slashed and
// unpadded dashed forms are reformatted; anything else yields "".
func NormalizeDate(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if isoDatePattern.MatchString(s) {
		return s
	}
	m := looseDatePattern.FindStringSubmatch(s)
	if m == nil || m[2] != m[4] {
		return ""
	}
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[5])
	return fmt.Sprintf("%s-%02d-%02d", m[1], month, day)
}

// FormatThousands groups the digits of n in threes with commas
func FormatThousands(n int) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := strconv.Itoa(n)
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + b.String()
}

// Truthy coerces a loosely typed flag to a bool: false, 0, "" and nil are
// false, everything else is true.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0 && !math.IsNaN(b)
	case int:
		return b != 0
	case string:
		return b != ""
	}
	return true
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
