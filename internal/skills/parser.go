package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected manifest filename inside each skill
// subdirectory.
const SkillFilename = "SKILL.md"

// FrontmatterDelimiter marks the start and end of the YAML front-matter
// block.
const FrontmatterDelimiter = "---"

// frontmatter holds the required manifest keys.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// parseManifest splits a SKILL.md file into its front-matter and markdown
// body, and validates the required name/description keys. The directory
// name (not a frontmatter key) is the skill's id, passed in by the caller.
//
// A missing opening or closing delimiter, or a missing required key,
// makes the skill invalid; discovery skips invalid skills.
func parseManifest(id string, data []byte, path string) (*Entry, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("skills: %s: %w", id, err)
	}

	var meta frontmatter
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		return nil, fmt.Errorf("skills: %s: parse frontmatter: %w", id, err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("skills: %s: missing required frontmatter key %q", id, "name")
	}
	if meta.Description == "" {
		return nil, fmt.Errorf("skills: %s: missing required frontmatter key %q", id, "description")
	}

	e := &Entry{ID: id, Name: meta.Name, Description: meta.Description, Path: path}
	e.content = strings.TrimSpace(string(body))
	e.loaded = true
	return e, nil
}

// splitFrontmatter separates the leading `---`-delimited YAML block from
// the markdown body that follows it.
func splitFrontmatter(data []byte) (fm []byte, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty manifest")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanning manifest: %w", err)
	}

	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
