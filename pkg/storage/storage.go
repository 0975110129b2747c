package storage

import (
	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/types"
)

// Archive persists terminal records for post-hoc inspection. The engine
// stays fully in-memory; the archive is a write-behind copy of audit
// entries and dead-lettered envelopes, never read on the hot path.
type Archive interface {
	AppendAudit(e *audit.Entry) error
	SaveDeadLetter(env *types.Envelope) error
	DeadLetters(limit int) ([]*types.Envelope, error)
	SaveTopology(version uint64, data []byte) error
	LatestTopology() (uint64, []byte, error)
	Close() error
}

// NopArchive discards everything; used when no archive path is
// configured
type NopArchive struct{}

func (NopArchive) AppendAudit(*audit.Entry) error             { return nil }
func (NopArchive) SaveDeadLetter(*types.Envelope) error       { return nil }
func (NopArchive) DeadLetters(int) ([]*types.Envelope, error) { return nil, nil }
func (NopArchive) SaveTopology(uint64, []byte) error          { return nil }
func (NopArchive) LatestTopology() (uint64, []byte, error)    { return 0, nil, nil }
func (NopArchive) Close() error                               { return nil }
