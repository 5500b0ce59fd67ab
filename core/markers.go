package core

import (
	"strconv"
	"strings"
	"time"
)

// CompareMarkers orders modification markers. Timestamps compare as
// instants, integers numerically and anything else lexicographically.
// An empty marker sorts before every other marker.
func CompareMarkers(left, right string) int {
	left = strings.TrimSpace(left)
	right = strings.TrimSpace(right)
	switch {
	case left == right:
		return 0
	case left == "":
		return -1
	case right == "":
		return 1
	}

	leftTime, leftErr := parseDateTime(left)
	rightTime, rightErr := parseDateTime(right)
	if leftErr == nil && rightErr == nil {
		return leftTime.Compare(rightTime)
	}

	leftNum, leftErr := strconv.ParseInt(left, 10, 64)
	rightNum, rightErr := strconv.ParseInt(right, 10, 64)
	if leftErr == nil && rightErr == nil {
		switch {
		case leftNum < rightNum:
			return -1
		case leftNum > rightNum:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(left, right)
}

func MaxMarker(markers ...string) string {
	out := ""
	for _, marker := range markers {
		if CompareMarkers(marker, out) > 0 {
			out = strings.TrimSpace(marker)
		}
	}
	return out
}

// FormatMarker renders a timestamp marker.
func FormatMarker(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.UTC().Format(time.RFC3339)
}
