// Package artifact turns a model response into the (script, metadata) file
// pair and delivers it to an archive or a directory.
//
// Parsing happens in two stages. Locate validates that the response carries
// both the "- name: <identifier>" marker and the "models:\n" section boundary
// and records their positions; Extract only slices ranges Locate has already
// validated, so it cannot fail.
package artifact

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/dbtgen/dbtgen/internal/failure"
)

const (
	// Separator splits the transformation script from the metadata document.
	Separator = "models:\n"
	// MetadataFileName is the fixed name of the metadata document.
	MetadataFileName = "ods.yml"
)

var (
	ErrMissingIdentifier = errors.New("response has no \"- name: <identifier>\" marker")
	ErrMalformedResponse = errors.New("response has no \"models:\" section boundary")
)

var markerPattern = regexp.MustCompile(`- name: ([\p{L}\p{N}_]+)`)

// Location holds validated byte offsets into a response.
type Location struct {
	Identifier  string
	MarkerStart int
	MarkerEnd   int
	Separator   int
}

type Pair struct {
	Identifier string
	Script     string
	Metadata   string
}

type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (p Pair) ScriptName() string { return p.Identifier + ".sql" }

func (p Pair) MetadataName() string { return MetadataFileName }

// Files returns the script first and the metadata document second, always.
func (p Pair) Files() []File {
	return []File{
		{Name: p.ScriptName(), Content: p.Script},
		{Name: p.MetadataName(), Content: p.Metadata},
	}
}

// Locate finds the first identifier marker anywhere in the response and the
// first section boundary.
func Locate(response string) (Location, error) {
	match := markerPattern.FindStringSubmatchIndex(response)
	if match == nil {
		return Location{}, failure.Wrap(failure.KindMissingIdentifier, "the model response does not name the generated model", ErrMissingIdentifier)
	}
	separator := strings.Index(response, Separator)
	if separator < 0 {
		return Location{}, failure.Wrap(failure.KindMalformedResponse, "the model response has no metadata section", ErrMalformedResponse)
	}
	return Location{
		Identifier:  response[match[2]:match[3]],
		MarkerStart: match[0],
		MarkerEnd:   match[1],
		Separator:   separator,
	}, nil
}

// Extract slices a response at a Location returned by Locate for the same
// response.
func Extract(response string, loc Location) Pair {
	head := response[:loc.Separator]
	tail := response[loc.Separator+len(Separator):]
	if loc.MarkerStart < loc.Separator {
		head = dropHeaderMarker(head, loc)
	}
	return Pair{
		Identifier: loc.Identifier,
		Script:     strings.TrimSpace(head),
		Metadata:   Separator + trimBlock(tail),
	}
}

// trimBlock drops surrounding blank lines and trailing whitespace but keeps
// the indentation of the first content line, which is significant in YAML.
func trimBlock(s string) string {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	lead := len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
	if idx := strings.LastIndexByte(s[:lead], '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func Parse(response string) (Pair, error) {
	loc, err := Locate(response)
	if err != nil {
		return Pair{}, err
	}
	return Extract(response, loc), nil
}

// dropHeaderMarker removes the marker line when it is the first non-blank line
// of the script half and holds nothing but the marker. Models echo it as a
// header; it is not SQL.
func dropHeaderMarker(head string, loc Location) string {
	lineStart := strings.LastIndexByte(head[:loc.MarkerStart], '\n') + 1
	if strings.TrimSpace(head[:lineStart]) != "" {
		return head
	}
	lineEnd := len(head)
	if idx := strings.IndexByte(head[loc.MarkerEnd:], '\n'); idx >= 0 {
		lineEnd = loc.MarkerEnd + idx
	}
	if strings.TrimSpace(head[lineStart:lineEnd]) != head[loc.MarkerStart:loc.MarkerEnd] {
		return head
	}
	return head[lineEnd:]
}
