// Package screening checks payer addresses against a deny-list before a
// payment is accepted.
package screening

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Result struct {
	Sanctioned bool   `json:"sanctioned"`
	Evidence   string `json:"evidence,omitempty"`
}

type Screener interface {
	CheckAddress(ctx context.Context, addr common.Address) (Result, error)
}

// Entry is one deny-list line in the YAML file.
type Entry struct {
	Address string `yaml:"address"`
	Source  string `yaml:"source"`
	Note    string `yaml:"note"`
}

type listFile struct {
	Entries []Entry `yaml:"entries"`
}

// DenyList flags any address it holds. The zero value flags nothing.
type DenyList struct {
	entries map[common.Address]Entry
}

// LoadDenyList reads path. An empty path yields an empty list.
func LoadDenyList(path string) (*DenyList, error) {
	if path == "" {
		return &DenyList{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deny-list: %w", err)
	}
	return ParseDenyList(data)
}

func ParseDenyList(data []byte) (*DenyList, error) {
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse deny-list: %w", err)
	}
	list := &DenyList{entries: make(map[common.Address]Entry, len(f.Entries))}
	for i, e := range f.Entries {
		addr := strings.TrimSpace(e.Address)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("deny-list entry %d: invalid address %q", i, e.Address)
		}
		list.entries[common.HexToAddress(addr)] = e
	}
	return list, nil
}

func (d *DenyList) Len() int { return len(d.entries) }

func (d *DenyList) CheckAddress(_ context.Context, addr common.Address) (Result, error) {
	e, ok := d.entries[addr]
	if !ok {
		return Result{}, nil
	}
	evidence := e.Source
	if e.Note != "" {
		evidence = strings.TrimSpace(evidence + ": " + e.Note)
	}
	if evidence == "" {
		evidence = "listed"
	}
	return Result{Sanctioned: true, Evidence: evidence}, nil
}
