package state

import (
	"errors"
	"fmt"
	"math"
)

// StateVersion is the snapshot layout written by this binary. Bump it when
// any module's encoded state changes shape.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")

	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// SetStateVersion overwrites the recorded layout version.
func (m *Manager) SetStateVersion(version uint32) error {
	return m.KVPut(stateVersionKey, uint64(version))
}

// StateVersion returns the recorded layout version, if any.
func (m *Manager) StateVersion() (uint32, bool, error) {
	var stored uint64
	ok, err := m.KVGet(stateVersionKey, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	if stored > math.MaxUint32 {
		return 0, false, fmt.Errorf("state: version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// CheckVersion fails when the store was written with a different layout.
// A fresh store passes.
func (m *Manager) CheckVersion() error {
	version, ok, err := m.StateVersion()
	if err != nil {
		return err
	}
	if !ok || version == StateVersion {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d binary=%d", ErrStateVersionMismatch, version, StateVersion)
}
