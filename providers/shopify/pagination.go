package shopify

import (
	"net/url"
	"strings"
)

// nextPageInfo extracts the page_info token of the rel="next" entry of a
// Link header.
func nextPageInfo(link string) string {
	for _, part := range strings.Split(link, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		isNext := false
		for _, attr := range segments[1:] {
			if strings.EqualFold(strings.TrimSpace(attr), `rel="next"`) {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		parsed, err := url.Parse(target)
		if err != nil {
			continue
		}
		return parsed.Query().Get("page_info")
	}
	return ""
}

// collection cursors carry the listing phase: custom collections first,
// then smart collections.
const (
	phaseCustom = "custom"
	phaseSmart  = "smart"
)

func splitPhaseCursor(cursor string) (string, string) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return phaseCustom, ""
	}
	phase, token, found := strings.Cut(cursor, "|")
	if !found {
		return phaseCustom, cursor
	}
	if phase != phaseSmart {
		phase = phaseCustom
	}
	return phase, token
}

func phaseCursor(phase, token string) string {
	return phase + "|" + token
}
