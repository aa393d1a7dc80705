package svcnode

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestPing_HashStableAndSensitive(t *testing.T) {
	op := outpointN(5)
	blockHash := types.Hash{1, 2, 3}

	p1 := &Ping{CollateralOutpoint: op, BlockHash: blockHash, SignTime: 1000}
	p2 := &Ping{CollateralOutpoint: op, BlockHash: blockHash, SignTime: 1000}
	if p1.Hash() != p2.Hash() {
		t.Fatal("Hash() differs for two pings with identical fields")
	}

	p3 := &Ping{CollateralOutpoint: op, BlockHash: blockHash, SignTime: 1001}
	if p1.Hash() == p3.Hash() {
		t.Fatal("Hash() collided across different sign_time values")
	}

	p4 := &Ping{CollateralOutpoint: outpointN(6), BlockHash: blockHash, SignTime: 1000}
	if p1.Hash() == p4.Hash() {
		t.Fatal("Hash() collided across different outpoints")
	}
}
