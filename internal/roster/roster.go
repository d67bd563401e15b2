// Package roster describes the set of conodes that maintain a skipchain.
package roster

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PublicKeySize is the length of an encoded edwards25519 public key.
const PublicKeySize = 32

var (
	ErrEmptyRoster      = errors.New("empty roster")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidIdentity  = errors.New("invalid server identity")
)

// ServerIdentity is one conode: its public key and the address its HTTP
// transport listens on.
type ServerIdentity struct {
	ID          uuid.UUID
	Public      []byte
	Address     string
	Description string
}

// NewServerIdentity derives the identity ID from the public key, so the same
// key always maps to the same ID regardless of address.
func NewServerIdentity(public []byte, address string) *ServerIdentity {
	return &ServerIdentity{
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("conode:"+hex.EncodeToString(public))),
		Public:  append([]byte(nil), public...),
		Address: address,
	}
}

// Equal reports whether both identities carry the same key and address.
func (si *ServerIdentity) Equal(o *ServerIdentity) bool {
	if si == nil || o == nil {
		return si == o
	}
	return bytes.Equal(si.Public, o.Public) && si.Address == o.Address
}

func (si *ServerIdentity) String() string {
	if si == nil {
		return "<nil identity>"
	}
	return fmt.Sprintf("%s (%s)", si.Address, si.ID)
}

// Roster is an ordered list of server identities. The first entry is the
// leader.
type Roster struct {
	ID   uuid.UUID
	List []*ServerIdentity
}

// NewRoster returns a roster for list, or nil when the list is empty.
func NewRoster(list []*ServerIdentity) *Roster {
	if len(list) == 0 {
		return nil
	}
	var ids strings.Builder
	for _, si := range list {
		if si == nil {
			ids.WriteString(uuid.Nil.String())
			continue
		}
		ids.WriteString(si.ID.String())
	}
	return &Roster{
		ID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte("roster:"+ids.String())),
		List: append([]*ServerIdentity(nil), list...),
	}
}

// Len returns the number of identities; zero for a nil roster.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.List)
}

// Validate checks a roster received from the network before any other
// method relies on its entries.
func (r *Roster) Validate() error {
	if r.Len() == 0 {
		return ErrEmptyRoster
	}
	seen := make(map[string]bool, len(r.List))
	for i, si := range r.List {
		if si == nil {
			return fmt.Errorf("%w: server %d is nil", ErrInvalidIdentity, i)
		}
		if len(si.Public) != PublicKeySize {
			return fmt.Errorf("%w: server %d has %d bytes", ErrInvalidPublicKey, i, len(si.Public))
		}
		if si.Address == "" {
			return fmt.Errorf("%w: server %d has no address", ErrInvalidAddress, i)
		}
		key := string(si.Public)
		if seen[key] {
			return fmt.Errorf("%w: server %d repeats a public key", ErrInvalidIdentity, i)
		}
		seen[key] = true
	}
	return nil
}

// Leader returns the first identity, or nil for an empty roster.
func (r *Roster) Leader() *ServerIdentity {
	if r.Len() == 0 {
		return nil
	}
	return r.List[0]
}

// Publics returns the public keys in roster order.
func (r *Roster) Publics() [][]byte {
	out := make([][]byte, 0, r.Len())
	if r == nil {
		return out
	}
	for _, si := range r.List {
		if si == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, si.Public)
	}
	return out
}

// IndexOf returns the position of the identity holding pub, or -1.
func (r *Roster) IndexOf(pub []byte) int {
	if r == nil {
		return -1
	}
	for i, si := range r.List {
		if si != nil && bytes.Equal(si.Public, pub) {
			return i
		}
	}
	return -1
}

// Contains reports whether an identity with public key pub is in the roster.
func (r *Roster) Contains(pub []byte) bool {
	return r.IndexOf(pub) >= 0
}

// Search returns the index and identity with the given ID, or (-1, nil).
func (r *Roster) Search(id uuid.UUID) (int, *ServerIdentity) {
	if r == nil {
		return -1, nil
	}
	for i, si := range r.List {
		if si != nil && si.ID == id {
			return i, si
		}
	}
	return -1, nil
}

// IdentityHash commits to the public keys and addresses in order. Block
// hashes include it, so changing a node address changes the block.
func (r *Roster) IdentityHash() []byte {
	h := sha256.New()
	if r != nil {
		for _, si := range r.List {
			if si == nil {
				h.Write([]byte{1})
				continue
			}
			h.Write(si.Public)
			h.Write([]byte(si.Address))
			h.Write([]byte{0})
		}
	}
	return h.Sum(nil)
}

// Equal compares rosters by identity hash. Two nil rosters are equal.
func (r *Roster) Equal(o *Roster) bool {
	if r == nil || o == nil {
		return r == o
	}
	return bytes.Equal(r.IdentityHash(), o.IdentityHash())
}

// Concat returns a roster with the identities of r followed by those of
// others that are not already present.
func (r *Roster) Concat(others ...*Roster) *Roster {
	seen := make(map[uuid.UUID]bool)
	var list []*ServerIdentity
	for _, ro := range append([]*Roster{r}, others...) {
		if ro == nil {
			continue
		}
		for _, si := range ro.List {
			if si == nil || seen[si.ID] {
				continue
			}
			seen[si.ID] = true
			list = append(list, si)
		}
	}
	return NewRoster(list)
}

func (r *Roster) String() string {
	if r == nil {
		return "<nil roster>"
	}
	addrs := make([]string, 0, len(r.List))
	for _, si := range r.List {
		if si == nil {
			addrs = append(addrs, "<nil>")
			continue
		}
		addrs = append(addrs, si.Address)
	}
	return fmt.Sprintf("roster %s [%s]", r.ID, strings.Join(addrs, ", "))
}
