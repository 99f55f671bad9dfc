package orchestrator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)

// validateForSend checks the rendered artifact before the run may pass
// render_validated. Failures keep the run at send_requested.
func validateForSend(d *core.DraftRecord) error {
	if d == nil {
		return core.ErrValidation("no draft to validate")
	}
	if strings.TrimSpace(d.Subject) == "" {
		return core.ErrValidation("draft has no subject line")
	}
	if strings.TrimSpace(d.Rendered) == "" {
		return core.ErrValidation("draft has no rendered artifact")
	}
	for _, m := range markdownLink.FindAllStringSubmatch(d.Content, -1) {
		text, raw := m[1], m[2]
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return core.ErrValidation(fmt.Sprintf("link %q is not an absolute http(s) URL", raw)).
				WithDetail("link_text", text)
		}
	}
	return nil
}
