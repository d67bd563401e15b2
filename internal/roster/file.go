package roster

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// groupFile is the on-disk YAML layout of a roster.
type groupFile struct {
	Servers []groupServer `yaml:"servers"`
}

type groupServer struct {
	Address     string `yaml:"address"`
	Public      string `yaml:"public"`
	Description string `yaml:"description,omitempty"`
}

// Parse reads a roster from YAML group-file bytes.
func Parse(data []byte) (*Roster, error) {
	var gf groupFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(gf.Servers) == 0 {
		return nil, ErrEmptyRoster
	}
	list := make([]*ServerIdentity, 0, len(gf.Servers))
	for i, s := range gf.Servers {
		addr := strings.TrimSpace(s.Address)
		if addr == "" {
			return nil, fmt.Errorf("%w: server %d has no address", ErrInvalidAddress, i)
		}
		pub, err := hex.DecodeString(strings.TrimSpace(s.Public))
		if err != nil || len(pub) != PublicKeySize {
			return nil, fmt.Errorf("%w: server %d (%s)", ErrInvalidPublicKey, i, addr)
		}
		si := NewServerIdentity(pub, addr)
		si.Description = s.Description
		list = append(list, si)
	}
	return NewRoster(list), nil
}

// Marshal renders r as a YAML group file.
func Marshal(r *Roster) ([]byte, error) {
	if r.Len() == 0 {
		return nil, ErrEmptyRoster
	}
	gf := groupFile{Servers: make([]groupServer, 0, r.Len())}
	for _, si := range r.List {
		gf.Servers = append(gf.Servers, groupServer{
			Address:     si.Address,
			Public:      hex.EncodeToString(si.Public),
			Description: si.Description,
		})
	}
	return yaml.Marshal(gf)
}

// LoadFile reads a roster group file from path.
func LoadFile(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	return Parse(data)
}

// SaveFile writes r to path as a YAML group file.
func SaveFile(path string, r *Roster) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write roster %s: %w", path, err)
	}
	return nil
}
