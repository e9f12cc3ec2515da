// Package risk assigns a display severity to proposed actions. The tier only
// changes how urgently an approval prompt is rendered; execution is governed by
// the model's own safety decision.
package risk

import (
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// canonical sorts map keys so the same args always serialize identically.
var canonical = json.ConfigCompatibleWithStandardLibrary

// highRiskKeywords are matched against the lower-cased name and args.
var highRiskKeywords = []string{
	"delete",
	"remove",
	"format",
	"shutdown",
	"reboot",
	"transfer",
	"payment",
	"purchase",
	"checkout",
	"password",
	"sudo",
	"rm -rf",
	"drop table",
	"wire",
}

// Classify returns RiskHigh when the descriptor mentions a high-risk keyword
// and RiskMedium otherwise. RiskLow is never produced by this heuristic.
func Classify(d schemas.ActionDescriptor) schemas.RiskTier {
	haystack := strings.ToLower(string(d.Name) + " " + serializeArgs(d.Args))
	for _, kw := range highRiskKeywords {
		if strings.Contains(haystack, kw) {
			return schemas.RiskHigh
		}
	}
	return schemas.RiskMedium
}

// Keywords returns a copy of the keyword set, for display in help output.
func Keywords() []string {
	out := make([]string, len(highRiskKeywords))
	copy(out, highRiskKeywords)
	return out
}

func serializeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := canonical.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}
