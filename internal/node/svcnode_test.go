package node

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func newTestRootChainAdapter(t *testing.T) (*rootChainAdapter, *utxo.Store) {
	t.Helper()

	validatorKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	validatorPub := validatorKey.PublicKey()

	engine, err := consensus.NewPoA([][]byte{validatorPub})
	if err != nil {
		t.Fatalf("create poa: %v", err)
	}
	if err := engine.SetSigner(validatorKey); err != nil {
		t.Fatalf("set signer: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}

	gen := &config.Genesis{
		ChainID:   "klingnet-test-node-svcnode",
		Timestamp: uint64(time.Now().Unix()),
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type:        config.ConsensusPoA,
				BlockTime:   1,
				Validators:  []string{},
				BlockReward: config.MilliCoin,
			},
		},
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	return &rootChainAdapter{ch: ch, utxos: utxoStore, synced: func() bool { return true }}, utxoStore
}

func TestRootChainAdapter_UTXO_RejectsWrongScriptType(t *testing.T) {
	adapter, store := newTestRootChainAdapter(t)

	op := types.Outpoint{Index: 0}
	copy(op.TxID[:], []byte("not-a-svcnode-collateral-output"))
	u := &utxo.UTXO{
		Outpoint: op,
		Value:    5000 * config.Coin,
		Height:   1,
		Script: types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: make([]byte, types.AddressSize),
		},
	}
	if err := store.Put(u); err != nil {
		t.Fatalf("put utxo: %v", err)
	}

	if _, _, _, ok := adapter.UTXO(op); ok {
		t.Error("UTXO() should reject a non-service-node-collateral script type")
	}
}

func TestRootChainAdapter_UTXO_AcceptsSvcNodeCollateral(t *testing.T) {
	adapter, store := newTestRootChainAdapter(t)

	op := types.Outpoint{Index: 0}
	copy(op.TxID[:], []byte("genuine-svcnode-collateral-out0"))
	pubKey := make([]byte, 33)
	pubKey[0] = 0x02
	u := &utxo.UTXO{
		Outpoint: op,
		Value:    5000 * config.Coin,
		Height:   1,
		Script: types.Script{
			Type: types.ScriptTypeSvcNode,
			Data: pubKey,
		},
	}
	if err := store.Put(u); err != nil {
		t.Fatalf("put utxo: %v", err)
	}

	value, script, confs, ok := adapter.UTXO(op)
	if !ok {
		t.Fatal("UTXO() should accept a service-node collateral script")
	}
	if value != u.Value {
		t.Errorf("value = %d, want %d", value, u.Value)
	}
	if script.Type != types.ScriptTypeSvcNode {
		t.Errorf("script type = %v, want ScriptTypeSvcNode", script.Type)
	}
	if confs == 0 {
		t.Error("expected at least 1 confirmation")
	}
}
