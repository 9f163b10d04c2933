package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	ArchivePrefix = "artifacts"
	InputPrefix   = "inputs"
)

var (
	identifierPattern = regexp.MustCompile(`^[\p{L}\p{N}_]{1,255}$`)
	runIDPattern      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,63}$`)
	fileNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,254}$`)
)

// BuildArchiveKey lays archives out as
// artifacts/<identifier>/date=YYYY-MM-DD/<run-id>/<identifier>.zip.
func BuildArchiveKey(identifier, runID string, at time.Time) (string, error) {
	if err := validate(identifierPattern, identifier, "artifact identifier"); err != nil {
		return "", err
	}
	if err := validate(runIDPattern, runID, "run id"); err != nil {
		return "", err
	}
	return path.Join(ArchivePrefix, identifier, datePartition(at), runID, identifier+".zip"), nil
}

// BuildInputKey places the original input next to its archive's partition:
// inputs/<identifier>/date=YYYY-MM-DD/<run-id>/<file name>.
func BuildInputKey(identifier, runID, fileName string, at time.Time) (string, error) {
	if err := validate(identifierPattern, identifier, "artifact identifier"); err != nil {
		return "", err
	}
	if err := validate(runIDPattern, runID, "run id"); err != nil {
		return "", err
	}
	fileName = path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), `\`, "/"))
	if err := validate(fileNamePattern, fileName, "input file name"); err != nil {
		return "", err
	}
	return path.Join(InputPrefix, identifier, datePartition(at), runID, fileName), nil
}

func datePartition(at time.Time) string {
	ts := at.UTC()
	return fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day())
}

func validate(pattern *regexp.Regexp, value, field string) error {
	if !pattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
