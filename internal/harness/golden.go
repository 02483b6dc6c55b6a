package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/bundled/internal/resource"
)

// GoldenDir is where golden responses live, relative to the test package.
const GoldenDir = "testdata/golden"

// Snapshot captures what a client would receive for a scenario.
type Snapshot struct {
	Scenario string `json:"scenario"`
	Status   int    `json:"status"`
	Response any    `json:"response"`
}

// SnapshotJSON renders the result as canonical JSON followed by a newline.
func SnapshotJSON(name string, result *Result) ([]byte, error) {
	data, err := resource.MarshalCanonical(Snapshot{
		Scenario: name,
		Status:   result.Status,
		Response: result.Body(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares the response against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := SnapshotJSON(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// ErrGoldenMismatch is returned by CheckGoldenFile when the snapshot
// differs from the file.
var ErrGoldenMismatch = errors.New("response differs from golden file")

// CheckGoldenFile compares a snapshot against dir/{name}.golden outside of
// go test. With update set the file is (re)written instead.
func CheckGoldenFile(dir, name string, data []byte, update bool) error {
	path := filepath.Join(dir, name+".golden")
	if update {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create golden dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write golden file: %w", err)
		}
		return nil
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, data) {
		return fmt.Errorf("%s: %w", path, ErrGoldenMismatch)
	}
	return nil
}
