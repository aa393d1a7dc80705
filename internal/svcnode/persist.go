package svcnode

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var prefixRecord = []byte("sn/")

// registryVersion precedes every persisted record; on mismatch the file
// is discarded and state rebuilt from the network.
const registryVersion = 1

type persistedRecord struct {
	Version int    `json:"version"`
	Record  Record `json:"record"`
}

func recordKey(outpoint types.Outpoint) []byte {
	key := make([]byte, 0, len(prefixRecord)+types.HashSize+4)
	key = append(key, prefixRecord...)
	key = append(key, outpoint.TxID[:]...)
	key = appendUint32(key, outpoint.Index)
	return key
}

// SaveTo persists every record currently held by the manager.
func (m *Manager) SaveTo(db storage.DB) error {
	for _, r := range m.Snapshot() {
		data, err := json.Marshal(&persistedRecord{Version: registryVersion, Record: *r})
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.CollateralOutpoint, err)
		}
		if err := db.Put(recordKey(r.CollateralOutpoint), data); err != nil {
			return fmt.Errorf("save record %s: %w", r.CollateralOutpoint, err)
		}
	}
	return nil
}

// LoadInto loads persisted records from db into an existing manager,
// discarding any entry whose stored version does not match
// registryVersion.
func (m *Manager) LoadInto(db storage.DB) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return db.ForEach(prefixRecord, func(key, value []byte) error {
		var pr persistedRecord
		if err := json.Unmarshal(value, &pr); err != nil {
			m.logger.Warn().Err(err).Msg("Discarding unreadable persisted record")
			return nil
		}
		if pr.Version != registryVersion {
			m.logger.Info().Int("version", pr.Version).Msg("Discarding persisted record with stale version tag")
			return nil
		}
		rec := pr.Record
		m.records[rec.CollateralOutpoint] = &rec
		return nil
	})
}
