package svcnode

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

func TestManager_SaveAndLoad_Roundtrip(t *testing.T) {
	chain := newFakeChain()
	src := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	addr, _ := ParseNetworkAddress("203.0.113.5:9333")
	op := outpointN(1)
	src.records[op] = &Record{
		CollateralOutpoint: op,
		NetworkAddr:        addr,
		AnnounceTime:       100,
		ActiveState:        StateEnabled,
		PoSeScore:          2,
	}

	db := storage.NewMemory()
	if err := src.SaveTo(db); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	dst := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	if err := dst.LoadInto(db); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}

	got, ok := dst.Get(op)
	if !ok {
		t.Fatal("loaded manager missing the saved record")
	}
	if got.NetworkAddr != addr || got.AnnounceTime != 100 || got.ActiveState != StateEnabled || got.PoSeScore != 2 {
		t.Fatalf("loaded record = %+v, want fields matching the saved record", got)
	}
}

func TestManager_LoadInto_DiscardsStaleVersion(t *testing.T) {
	chain := newFakeChain()
	db := storage.NewMemory()
	op := outpointN(2)

	stale := struct {
		Version int    `json:"version"`
		Record  Record `json:"record"`
	}{Version: registryVersion + 1, Record: Record{CollateralOutpoint: op}}
	data, err := json.Marshal(&stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(recordKey(op), data); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	if err := mgr.LoadInto(db); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if _, ok := mgr.Get(op); ok {
		t.Fatal("LoadInto() kept a record with a stale version tag")
	}
}

func TestManager_LoadInto_DiscardsUnreadable(t *testing.T) {
	chain := newFakeChain()
	db := storage.NewMemory()
	op := outpointN(3)
	if err := db.Put(recordKey(op), []byte("not json")); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(chain, ManagerParams{MinConfirmations: 1, CollateralAmount: 1000})
	if err := mgr.LoadInto(db); err != nil {
		t.Fatalf("LoadInto should tolerate unreadable entries, got: %v", err)
	}
	if _, ok := mgr.Get(op); ok {
		t.Fatal("LoadInto() produced a record out of unreadable data")
	}
}
