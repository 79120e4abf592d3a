package parser

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// splitFrontmatter separates the leading YAML block from the markdown
// body. It returns ok=false when the file has no frontmatter at all —
// callers treat that as an empty-frontmatter markdown file rather than
// an error, per spec.md §4.1 failure taxonomy.
func splitFrontmatter(content []byte) (yamlPart []byte, body []byte, ok bool) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) == 0 || string(bytes.TrimSpace(lines[0])) != frontmatterDelim {
		return nil, content, false
	}

	for i := 1; i < len(lines); i++ {
		if string(bytes.TrimSpace(lines[i])) == frontmatterDelim {
			yamlPart = bytes.Join(lines[1:i], []byte("\n"))
			body = bytes.Join(lines[i+1:], []byte("\n"))
			return yamlPart, body, true
		}
	}
	return nil, content, false
}

// parseFrontmatter decodes a YAML frontmatter block. Invalid YAML is
// reported to the caller, which downgrades it to an empty Frontmatter
// rather than failing the whole artifact.
func parseFrontmatter(yamlPart []byte) (Frontmatter, error) {
	var fm Frontmatter
	if len(bytes.TrimSpace(yamlPart)) == 0 {
		return fm, nil
	}
	if err := yaml.Unmarshal(yamlPart, &fm); err != nil {
		return Frontmatter{}, err
	}
	return fm, nil
}

// parseTimestamp is lenient: a missing or malformed timestamp yields a
// nil pointer rather than an error, since timestamps are optional in
// the data model (spec.md §3).
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}
