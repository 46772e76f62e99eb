package content

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	truncatedMarker = "…[truncated]"
	ellipsis        = "…"
	neutralGray     = "#888888"
)

var (
	moneyArtifact   = regexp.MustCompile(`\$\s*(?:-?Infinity|NaN|undefined|null)\b`)
	percentArtifact = regexp.MustCompile(`\b(?:Infinity|NaN|undefined|null)\s*%`)
	loneArtifact    = regexp.MustCompile(`\b(?:NaN|undefined|null)\b`)

	hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}([0-9a-fA-F]{2})?$`)
	hexBody  = regexp.MustCompile(`^[0-9a-f]+$`)
)

var colorNames = map[string]string{
	"black":  "#000000",
	"white":  "#ffffff",
	"red":    "#ff0000",
	"green":  "#00b900",
	"blue":   "#0000ff",
	"yellow": "#ffd700",
	"orange": "#ff8c00",
	"purple": "#800080",
	"gray":   neutralGray,
	"grey":   neutralGray,
	"silver": "#c0c0c0",
}

// hasArtifact reports whether s contains a propagated NaN/undefined/null marker.
func hasArtifact(s string) bool {
	return moneyArtifact.MatchString(s) || percentArtifact.MatchString(s) || loneArtifact.MatchString(s)
}

// repairPlaceholders rewrites numeric placeholder artifacts to zero values.
func repairPlaceholders(s string) string {
	if !hasArtifact(s) {
		return s
	}
	s = moneyArtifact.ReplaceAllString(s, "$$0.00")
	s = percentArtifact.ReplaceAllString(s, "0.00%")
	return loneArtifact.ReplaceAllString(s, "0")
}

// truncate cuts s so the result including marker is exactly max runes.
func truncate(s string, max int, marker string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string([]rune(marker)[:max])
	}
	return string([]rune(s)[:keep]) + marker
}

// fixText repairs and truncates until the value stops changing. Repair can grow
// a string and truncation can cut an artifact in half, so one pass is not
// always a fixed point.
func fixText(s string, max int, marker string) string {
	for i := 0; i < 4; i++ {
		next := truncate(repairPlaceholders(s), max, marker)
		if next == s {
			break
		}
		s = next
	}
	return s
}

// normalizeColor returns a #rrggbb or #rrggbbaa token, or neutral gray.
func normalizeColor(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	if hex, ok := colorNames[c]; ok {
		return hex
	}
	c = strings.TrimPrefix(c, "#")
	if !hexBody.MatchString(c) {
		return neutralGray
	}
	switch len(c) {
	case 3, 4:
		var b strings.Builder
		b.WriteByte('#')
		for i := 0; i < len(c); i++ {
			b.WriteByte(c[i])
			b.WriteByte(c[i])
		}
		return b.String()
	case 6, 8:
		return "#" + c
	}
	return neutralGray
}

var (
	sizeValues   = set("xxs", "xs", "sm", "md", "lg", "xl", "xxl")
	weightValues = set("regular", "bold")
	alignValues  = set("start", "center", "end")
	layoutValues = set("vertical", "horizontal", "baseline")

	sizeAliases   = map[string]string{"small": "sm", "medium": "md", "normal": "md", "regular": "md", "large": "lg"}
	weightAliases = map[string]string{"normal": "regular", "heavy": "bold", "strong": "bold"}
	alignAliases  = map[string]string{"left": "start", "right": "end", "middle": "center", "centre": "center"}
	layoutAliases = map[string]string{"row": "horizontal", "column": "vertical", "col": "vertical"}
)

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// normalizeEnum lowercases, maps aliases, and clears values it does not know.
func normalizeEnum(raw string, allowed map[string]struct{}, aliases map[string]string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if a, ok := aliases[v]; ok {
		v = a
	}
	if _, ok := allowed[v]; !ok {
		return ""
	}
	return v
}

func inSet(v string, allowed map[string]struct{}) bool {
	_, ok := allowed[v]
	return ok
}

// cleanField treats blank and stringified-null values as absent.
func cleanField(s string) string {
	t := strings.TrimSpace(s)
	switch t {
	case "null", "undefined", "NaN":
		return ""
	}
	return t
}
