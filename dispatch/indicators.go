package dispatch

import "strings"

// FailureIndicators are substrings that mark an executor success report as
// incomplete work. The list is the single authority for every
// reconciliation path; do not fork per-endpoint copies.
var FailureIndicators = []string{
	"couldn't find",
	"could not find",
	"doesn't exist",
	"does not exist",
	"failed to",
	"unable to",
	"no such file",
	"error:",
	"task incomplete",
	"no corresponding file",
	"invalid reference",
}

// quoteNormalizer straightens the curly quotes executors tend to emit so
// indicator matching is not defeated by typography.
var quoteNormalizer = strings.NewReplacer(
	"‘", "'", // left single
	"’", "'", // right single
	"“", `"`, // left double
	"”", `"`, // right double
)

// NormalizeText prepares executor output for indicator scanning.
func NormalizeText(s string) string {
	return strings.ToLower(quoteNormalizer.Replace(s))
}

// ScanForFailure reports the first failure indicator found in the text, if
// any. The text is normalized before matching.
func ScanForFailure(text string) (string, bool) {
	normalized := NormalizeText(text)
	for _, indicator := range FailureIndicators {
		if strings.Contains(normalized, indicator) {
			return indicator, true
		}
	}
	return "", false
}
