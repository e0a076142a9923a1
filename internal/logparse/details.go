package logparse

import (
	"regexp"
	"strings"

	"github.com/mozilla/treeherder/internal/model"
)

var (
	reTinderboxPrint = regexp.MustCompile(`TinderboxPrint: ?(.*)$`)
	reUploadedTo     = regexp.MustCompile(`<a href=['"](https?://.*)['"]>(.+)</a>: uploaded`)
	reLinkHTML       = regexp.MustCompile(`^(?:([A-Za-z/.0-9\-_ ]+): )?<a .*href=['"](https?://.+?)['"].*>(.+)</a>`)
	reLinkText       = regexp.MustCompile(`^(?:([A-Za-z/.0-9\-_ ]+): )?(https?://\S*)`)

	reTaskclusterHeader = regexp.MustCompile(`^\[taskcluster [^\]]*\] ` +
		`(Task ID|Worker Node Type|Worker Type|Worker Pool|Worker Group|Worker Id|Instance Type|Availability Zone|Public IP): (.+)$`)
)

// parseJobDetail extracts a key/value attribute from a TinderboxPrint or
// taskcluster header line.
func parseJobDetail(line string) (model.JobDetail, bool) {
	if m := reTaskclusterHeader.FindStringSubmatch(line); m != nil {
		return model.JobDetail{Title: m[1], Value: strings.TrimSpace(m[2])}, true
	}
	m := reTinderboxPrint.FindStringSubmatch(line)
	if m == nil {
		return model.JobDetail{}, false
	}
	content := strings.TrimSpace(m[1])
	if content == "" {
		return model.JobDetail{}, false
	}

	if m := reUploadedTo.FindStringSubmatch(content); m != nil {
		return model.JobDetail{Title: "artifact uploaded", Value: m[2], URL: m[1]}, true
	}
	if m := reLinkHTML.FindStringSubmatch(content); m != nil {
		title := m[1]
		if title == "" {
			title = m[3]
		}
		return model.JobDetail{Title: title, Value: m[3], URL: m[2]}, true
	}
	if m := reLinkText.FindStringSubmatch(content); m != nil {
		title := m[1]
		if title == "" {
			title = m[2]
		}
		return model.JobDetail{Title: title, Value: m[2], URL: m[2]}, true
	}
	if title, value, ok := strings.Cut(content, "<br/>"); ok {
		return model.JobDetail{Title: strings.TrimSpace(title), Value: strings.TrimSpace(value)}, true
	}
	return model.JobDetail{Value: content}, true
}
