package killswitch

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

func newTestKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestSignVerify(t *testing.T) {
	key := newTestKey(t)
	f, err := Sign(key, FlagPaymentStart, 100)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(f, key.PublicKey()) {
		t.Fatal("Verify() = false, want true")
	}
}

func TestVerify_WrongKeyFails(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	f, err := Sign(key, FlagPaymentStart, 100)
	if err != nil {
		t.Fatal(err)
	}
	if Verify(f, other.PublicKey()) {
		t.Fatal("Verify() = true with wrong key, want false")
	}
}

func TestRegistry_ApplyRejectsBadSignature(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	reg := NewRegistry(other.PublicKey())

	f, err := Sign(key, FlagPaymentStart, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Apply(f); err != ErrBadSignature {
		t.Fatalf("Apply() err = %v, want ErrBadSignature", err)
	}
}

func TestRegistry_ApplyAcceptsAndIsActive(t *testing.T) {
	key := newTestKey(t)
	reg := NewRegistry(key.PublicKey())

	now := time.Now()
	f, err := Sign(key, FlagPaymentStart, now.Add(-time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	changed, err := reg.Apply(f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !changed {
		t.Fatal("Apply() changed = false, want true for first update")
	}
	if !reg.IsActive(FlagPaymentStart, now) {
		t.Fatal("IsActive() = false, want true (activation epoch in the past)")
	}
	if reg.IsActive(FlagReconsiderBlocks, now) {
		t.Fatal("IsActive() = true for a flag never applied")
	}
}

func TestRegistry_ApplyDuplicateIsNoop(t *testing.T) {
	key := newTestKey(t)
	reg := NewRegistry(key.PublicKey())

	f, err := Sign(key, FlagPaymentStart, 42)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Apply(f); err != nil {
		t.Fatal(err)
	}
	changed, err := reg.Apply(f)
	if err != nil {
		t.Fatalf("Apply (duplicate): %v", err)
	}
	if changed {
		t.Fatal("Apply() changed = true for an identical repeat update")
	}
}

func TestRegistry_NotYetActive(t *testing.T) {
	key := newTestKey(t)
	reg := NewRegistry(key.PublicKey())

	future := time.Now().Add(24 * time.Hour)
	f, err := Sign(key, FlagPaymentEnforcement, future.Unix())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Apply(f); err != nil {
		t.Fatal(err)
	}
	if reg.IsActive(FlagPaymentEnforcement, time.Now()) {
		t.Fatal("IsActive() = true before the activation epoch")
	}
}

func TestRegistry_SaveAndLoad(t *testing.T) {
	key := newTestKey(t)
	reg := NewRegistry(key.PublicKey())

	f1, _ := Sign(key, FlagPaymentStart, 10)
	f2, _ := Sign(key, FlagProtoVersionOn, 20)
	if _, err := reg.Apply(f1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Apply(f2); err != nil {
		t.Fatal(err)
	}

	db := storage.NewMemory()
	if err := reg.SaveTo(db); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadRegistry(db, key.PublicKey())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	v, ok := loaded.Value(FlagPaymentStart)
	if !ok || v != 10 {
		t.Fatalf("loaded Value(%s) = %d, %v, want 10, true", FlagPaymentStart, v, ok)
	}
	v, ok = loaded.Value(FlagProtoVersionOn)
	if !ok || v != 20 {
		t.Fatalf("loaded Value(%s) = %d, %v, want 20, true", FlagProtoVersionOn, v, ok)
	}
}

func TestRegistry_AllReturnsSnapshot(t *testing.T) {
	key := newTestKey(t)
	reg := NewRegistry(key.PublicKey())
	f, _ := Sign(key, FlagReconsiderBlocks, 5)
	if _, err := reg.Apply(f); err != nil {
		t.Fatal(err)
	}

	all := reg.All()
	if len(all) != 1 {
		t.Fatalf("All() len = %d, want 1", len(all))
	}
	all[0].Value = 999
	v, _ := reg.Value(FlagReconsiderBlocks)
	if v != 5 {
		t.Fatal("mutating a snapshot entry affected the registry's stored flag")
	}
}
