package probe

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/guregu/null/v5"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

const maxErrorDetail = 120

var (
	lossPattern    = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)%\s*(?:packet loss|loss|perdidos|p[ée]rdida)`)
	summaryPattern = regexp.MustCompile(`=\s*([\d.]+)/([\d.]+)/([\d.]+)(?:/[\d.]+)?\s*ms`)
	avgPattern     = regexp.MustCompile(`(?i)(?:average|media|promedio)\s*=\s*(\d+(?:[.,]\d+)?)\s*ms`)
	minPattern     = regexp.MustCompile(`(?i)(?:minimum|m[ií]nimo)\s*=\s*(\d+(?:[.,]\d+)?)\s*ms`)
	maxPattern     = regexp.MustCompile(`(?i)(?:maximum|m[áa]ximo)\s*=\s*(\d+(?:[.,]\d+)?)\s*ms`)
	ttlPattern     = regexp.MustCompile(`(?i)\bttl[=:]\s*(\d+)`)
)

// Phrases that mark the report as a network-layer failure even when a
// latency figure was parsed from it.
var errorPhrases = []string{
	"destination host unreachable",
	"destination net unreachable",
	"destination port unreachable",
	"request timed out",
	"request timeout",
	"unknown host",
	"could not find host",
	"name or service not known",
	"temporary failure in name resolution",
	"no route to host",
	"network is unreachable",
	"general failure",
	"host de destino inaccesible",
	"red de destino inaccesible",
	"tiempo de espera agotado",
	"no se pudo encontrar el host",
}

// Parse normalizes a textual echo report into a ProbeResult. It recognizes
// the iputils/BSD summary line as well as the English and Spanish Windows
// statistics block. Parse never panics.
func Parse(output string) (result types.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = types.ProbeResult{
				Reachable:   false,
				ErrorDetail: null.StringFrom(TruncateDetail(fmt.Sprintf("parse probe output: %v", r))),
			}
		}
	}()

	if m := lossPattern.FindStringSubmatch(output); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			result.PacketLossPct = null.IntFrom(int64(math.Round(v)))
		}
	}

	if m := summaryPattern.FindStringSubmatch(output); m != nil {
		if v, ok := parseNumber(m[2]); ok {
			result.LatencyMs = null.FloatFrom(round2(v))
		}
		if v, ok := parseNumber(m[1]); ok {
			result.MinLatencyMs = null.FloatFrom(round2(v))
		}
		if v, ok := parseNumber(m[3]); ok {
			result.MaxLatencyMs = null.FloatFrom(round2(v))
		}
	} else if m := avgPattern.FindStringSubmatch(output); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			result.LatencyMs = null.FloatFrom(round2(v))
		}
	}

	if m := ttlPattern.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			result.TTL = null.IntFrom(v)
		}
	}

	if !result.MinLatencyMs.Valid {
		if m := minPattern.FindStringSubmatch(output); m != nil {
			if v, ok := parseNumber(m[1]); ok {
				result.MinLatencyMs = null.FloatFrom(round2(v))
			}
		}
	}
	if !result.MaxLatencyMs.Valid {
		if m := maxPattern.FindStringSubmatch(output); m != nil {
			if v, ok := parseNumber(m[1]); ok {
				result.MaxLatencyMs = null.FloatFrom(round2(v))
			}
		}
	}

	phraseLine := findErrorPhrase(output)
	result.Reachable = classify(result, phraseLine != "")
	if !result.Reachable {
		switch {
		case phraseLine != "":
			result.ErrorDetail = null.StringFrom(TruncateDetail(phraseLine))
		case result.PacketLossPct.Valid && result.PacketLossPct.Int64 >= 100:
			result.ErrorDetail = null.StringFrom("100% packet loss")
		default:
			result.ErrorDetail = null.StringFrom("no latency reported")
		}
	}
	return result
}

// classify applies the reachability rule in order: a latency must be present,
// packet loss (when known) must be below 100%, and no error phrase may appear.
// Unknown packet loss does not disqualify a result.
func classify(result types.ProbeResult, errorPhrase bool) bool {
	if !result.LatencyMs.Valid {
		return false
	}
	if result.PacketLossPct.Valid && result.PacketLossPct.Int64 >= 100 {
		return false
	}
	return !errorPhrase
}

func findErrorPhrase(output string) string {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		for _, phrase := range errorPhrases {
			if strings.Contains(lower, phrase) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}

func parseNumber(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TruncateDetail trims s and caps it at 120 runes, marking the cut with "...".
func TruncateDetail(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxErrorDetail {
		return string(runes)
	}
	return string(runes[:maxErrorDetail-3]) + "..."
}
