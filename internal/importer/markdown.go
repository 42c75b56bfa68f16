package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vocab"
)

// ParsedNote is one Markdown file resolved into Cortex's extraction shape:
// the category and source are drawn from the closed vocabularies (anything
// unrecognized is left empty and defaulted by the caller), and importance
// and pin state come from frontmatter when present.
type ParsedNote struct {
	// Path is the absolute filesystem path to the file.
	Path string

	// RelativePath is the path relative to the import root directory.
	RelativePath string

	// Title comes from frontmatter, the first H1, or the filename.
	Title string

	// Content is the memory text: title heading plus the body with
	// frontmatter stripped and wiki links flattened to plain text.
	Content string

	// Frontmatter holds the raw parsed YAML key/value pairs.
	Frontmatter map[string]interface{}

	// Tags merges frontmatter tags and inline #hashtags.
	Tags []string

	// Category is a closed-vocabulary category resolved from frontmatter
	// or a directory segment; "" when nothing recognizable was found.
	Category types.Category

	// Source is the extraction-source tag from frontmatter, defaulting
	// to user_stated (a note the user wrote down themselves).
	Source types.ExtractionSource

	// Importance is the frontmatter "importance" value clamped to [0,1];
	// 0 means unspecified.
	Importance float64

	// Pinned marks the note as exempt from dedup/merge/archival.
	Pinned bool

	// WikiLinks are all [[link]] targets referenced by this file.
	WikiLinks []WikiLink

	// Timestamp is from the frontmatter date field, or zero if absent.
	Timestamp time.Time
}

// ParseNote parses one Markdown file into a ParsedNote. relativePath is
// used for titles and for spotting a closed-vocabulary category in the
// directory structure (e.g. a vault folder literally named "preference").
func ParseNote(content []byte, absolutePath, relativePath string) (*ParsedNote, error) {
	text := string(content)

	fm, body, err := splitFrontmatter(text)
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", relativePath, err)
	}

	title := frontmatterString(fm, "title", "")
	if title == "" {
		if h1 := extractH1(body); h1 != "" {
			title = h1
		} else {
			title = titleFromPath(relativePath)
		}
	}

	tags := mergeTags(frontmatterTags(fm), extractInlineTags(body))
	wikiLinks := ExtractWikiLinks(body)
	readableBody := StripWikiLinks(body)

	return &ParsedNote{
		Path:         absolutePath,
		RelativePath: relativePath,
		Title:        title,
		Content:      buildContent(title, readableBody),
		Frontmatter:  fm,
		Tags:         tags,
		Category:     resolveCategory(fm, relativePath),
		Source:       resolveSource(fm),
		Importance:   frontmatterImportance(fm),
		Pinned:       frontmatterBool(fm, "pinned"),
		WikiLinks:    wikiLinks,
		Timestamp:    extractTimestamp(fm),
	}, nil
}

// resolveCategory picks a closed-vocabulary category: frontmatter
// "category" first, then any directory segment of the note's path that
// names a category. Anything outside the vocabulary is ignored — a vault
// folder called "Engineering" is organization, not a memory category.
func resolveCategory(fm map[string]interface{}, rel string) types.Category {
	if c := types.Category(strings.ToLower(frontmatterString(fm, "category", ""))); c != "" {
		if vocab.IsValidCategory(c) {
			return c
		}
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 {
		for _, part := range parts[:len(parts)-1] { // directories only, not the filename
			if c := types.Category(strings.ToLower(strings.TrimSpace(part))); vocab.IsValidCategory(c) {
				return c
			}
		}
	}
	return ""
}

// resolveSource maps the frontmatter "source" field onto the extraction
// source vocabulary, defaulting to user_stated.
func resolveSource(fm map[string]interface{}) types.ExtractionSource {
	s := types.ExtractionSource(strings.ToLower(frontmatterString(fm, "source", "")))
	if vocab.IsValidExtractionSource(s) {
		return s
	}
	return types.SourceUserStated
}

// frontmatterImportance reads "importance" as a number clamped to [0,1].
func frontmatterImportance(fm map[string]interface{}) float64 {
	raw, ok := fm["importance"]
	if !ok {
		return 0
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	default:
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func frontmatterBool(fm map[string]interface{}, key string) bool {
	v, ok := fm[key].(bool)
	return ok && v
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters)
// from the Markdown body. Returns an empty map and the full text when no
// frontmatter is found.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return map[string]interface{}{}, text, fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// titleFromPath derives a human-readable title from the file name.
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

// extractH1 returns the text of the first ATX heading in the body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// frontmatterTags reads tags from frontmatter, accepting both list and
// comma-separated string forms.
func frontmatterTags(fm map[string]interface{}) []string {
	raw, ok := fm["tags"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// extractTimestamp reads a date field from frontmatter, trying several
// common layouts.
func extractTimestamp(fm map[string]interface{}) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}
	for _, key := range []string{"date", "created", "created_at", "updated_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case time.Time:
			return v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func frontmatterString(fm map[string]interface{}, key, defaultVal string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return defaultVal
}

// inlineTagRe finds #hashtag patterns in body text.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	matches := inlineTagRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool)
	var tags []string
	for _, m := range matches {
		tag := strings.TrimSpace(m[1])
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			result = append(result, tag)
		}
	}
	return result
}

// buildContent renders the memory text: a title heading (unless the body
// already opens with one) followed by the body.
func buildContent(title, body string) string {
	body = strings.TrimSpace(body)
	var parts []string
	if title != "" && !strings.HasPrefix(body, "# ") {
		parts = append(parts, "# "+title)
	}
	if body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n")
}
