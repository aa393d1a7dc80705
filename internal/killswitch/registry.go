// Package killswitch implements the signed, integer-valued global flags
// ("sporks") that dynamically enable or disable overlay subsystems.
package killswitch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

var prefixFlag = []byte("sk/")

// Recognized flag identifiers. SIGMA_* flags used by the
// external mint subsystem are not enumerated here: the registry stores
// and propagates any name it is given, recognized or not.
const (
	FlagPaymentStart       = "MN_PAYMENT_START"
	FlagPaymentEnforcement = "MN_PAYMENT_ENFORCEMENT"
	FlagProtoVersionOn     = "PROTO_VERSION_ON"
	FlagReconsiderBlocks   = "RECONSIDER_BLOCKS"
)

// Flag is one signed global toggle. Value is an activation epoch in unix
// seconds: the flag is active once current adjusted time reaches Value.
// An all-future sentinel value (far beyond any real clock) means "off".
type Flag struct {
	Name      string `json:"name"`
	Value     int64  `json:"value"`
	Signature []byte `json:"signature"`
}

type flagJSON struct {
	Name      string `json:"name"`
	Value     int64  `json:"value"`
	Signature string `json:"signature"`
}

func (f *Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(flagJSON{Name: f.Name, Value: f.Value, Signature: hex.EncodeToString(f.Signature)})
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	var j flagJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	f.Name = j.Name
	f.Value = j.Value
	f.Signature = sig
	return nil
}

// SigningBytes builds the canonical message signed by the master key:
// name || value.
func SigningBytes(name string, value int64) []byte {
	buf := make([]byte, 0, len(name)+8)
	buf = append(buf, []byte(name)...)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(value>>(56-8*i)))
	}
	return buf
}

// Sign produces a master-signed flag update.
func Sign(masterKey *crypto.PrivateKey, name string, value int64) (*Flag, error) {
	hash := crypto.Hash(SigningBytes(name, value))
	sig, err := masterKey.Sign(hash[:])
	if err != nil {
		return nil, err
	}
	return &Flag{Name: name, Value: value, Signature: sig}, nil
}

// Verify checks f's signature against masterPubKey.
func Verify(f *Flag, masterPubKey []byte) bool {
	hash := crypto.Hash(SigningBytes(f.Name, f.Value))
	return crypto.VerifySignature(hash[:], f.Signature, masterPubKey)
}

// Registry holds the current value of every known flag, keyed by name.
// Map-behind-RWMutex persistence, same shape used by other chain-state
// registries in this module.
type Registry struct {
	mu           sync.RWMutex
	flags        map[string]*Flag
	masterPubKey []byte
}

// NewRegistry creates an empty registry that accepts only updates signed
// by masterPubKey.
func NewRegistry(masterPubKey []byte) *Registry {
	return &Registry{flags: make(map[string]*Flag), masterPubKey: masterPubKey}
}

// Apply validates and applies a flag update. Duplicate updates with
// identical content are silently accepted as a no-op.
func (r *Registry) Apply(f *Flag) (changed bool, err error) {
	if !Verify(f, r.masterPubKey) {
		return false, ErrBadSignature
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.flags[f.Name]
	if ok && existing.Value == f.Value {
		return false, nil
	}
	r.flags[f.Name] = f
	return true, nil
}

// IsActive reports whether name is currently active: known and its
// activation epoch has passed. An unknown flag is never active.
func (r *Registry) IsActive(name string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flags[name]
	if !ok {
		return false
	}
	return now.Unix() >= f.Value
}

// Value returns the raw stored value for name, if known.
func (r *Registry) Value(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flags[name]
	if !ok {
		return 0, false
	}
	return f.Value, true
}

// All returns a snapshot of every known flag, for GETSPORKS replies.
func (r *Registry) All() []*Flag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Flag, 0, len(r.flags))
	for _, f := range r.flags {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

func flagKey(name string) []byte {
	return append(append([]byte{}, prefixFlag...), []byte(name)...)
}

// SaveTo persists every flag to db.
func (r *Registry) SaveTo(db storage.DB) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.flags {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal flag %s: %w", f.Name, err)
		}
		if err := db.Put(flagKey(f.Name), data); err != nil {
			return fmt.Errorf("save flag %s: %w", f.Name, err)
		}
	}
	return nil
}

// LoadRegistry loads a registry from db. masterPubKey is applied to the
// loaded registry for future Apply calls; flags loaded from disk are
// trusted as already-verified (they could only have been stored by a
// prior successful Apply).
func LoadRegistry(db storage.DB, masterPubKey []byte) (*Registry, error) {
	reg := NewRegistry(masterPubKey)
	err := db.ForEach(prefixFlag, func(key, value []byte) error {
		var f Flag
		if err := json.Unmarshal(value, &f); err != nil {
			return fmt.Errorf("unmarshal flag: %w", err)
		}
		reg.flags[f.Name] = &f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load killswitch registry: %w", err)
	}
	return reg, nil
}
