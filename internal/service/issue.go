package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/haatos/vc4-buildbot/internal/util"
)

// Provenance is the source a component was built from. Fields are declared
// in key order so the encoded record is sorted at every level.
type Provenance struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	URL    string `json:"url"`
}

// BuildIssue maps component names to the provenance they were built from,
// remembering the order the components were recorded in.
type BuildIssue struct {
	names   []string
	entries map[string]Provenance
}

func NewBuildIssue() *BuildIssue {
	return &BuildIssue{entries: make(map[string]Provenance)}
}

func (bi *BuildIssue) Set(name string, p Provenance) {
	if _, ok := bi.entries[name]; !ok {
		bi.names = append(bi.names, name)
	}
	bi.entries[name] = p
}

func (bi *BuildIssue) Get(name string) (Provenance, bool) {
	p, ok := bi.entries[name]
	return p, ok
}

// Names returns component names in recording order.
func (bi *BuildIssue) Names() []string {
	return slices.Clone(bi.names)
}

func (bi *BuildIssue) Len() int {
	return len(bi.names)
}

func (bi *BuildIssue) MarshalJSON() ([]byte, error) {
	return json.MarshalIndent(bi.entries, "", "    ")
}

// WriteFile atomically replaces path with the record, keys sorted and
// indented by four spaces.
func (bi *BuildIssue) WriteFile(path string) error {
	b, err := bi.MarshalJSON()
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// ReadIssueFile reads a record written by WriteFile. Names of the returned
// issue are sorted since the file carries no build order.
func ReadIssueFile(path string) (*BuildIssue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]Provenance)
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("err parsing issue record %s: %w", path, err)
	}
	bi := NewBuildIssue()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		bi.Set(name, entries[name])
	}
	return bi, nil
}
