package ingest

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CleanupOptions controls normalization.
type CleanupOptions struct {
	NormalizeFullwidth bool
	StripBlankLines    bool
}

// NormalizeText applies CRLF->LF, optional NFKC folding, optional
// blank-line stripping, and a final trim.
func NormalizeText(text string, opts CleanupOptions) string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	if opts.NormalizeFullwidth {
		normalized = norm.NFKC.String(normalized)
	}

	if opts.StripBlankLines {
		lines := strings.Split(normalized, "\n")
		kept := make([]string, 0, len(lines))
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			kept = append(kept, strings.TrimRight(line, " \t"))
		}
		normalized = strings.Join(kept, "\n")
	}

	return strings.TrimSpace(normalized)
}
