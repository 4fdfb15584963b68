package giveaway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store is the repository behind the state machine. Implementations must
// treat MarkClaimed as monotonic: once an index is claimed it stays
// claimed.
type Store interface {
	CreateOffering(ctx context.Context, o *Offering) error
	GetOffering(ctx context.Context, id string) (*Offering, error)
	UpdateOffering(ctx context.Context, o *Offering) error

	PutParticipant(ctx context.Context, offeringID string, p *Participant) error
	GetParticipant(ctx context.Context, offeringID string, addr common.Address) (*Participant, error)
	ListParticipants(ctx context.Context, offeringID string) ([]*Participant, error)

	IsClaimed(ctx context.Context, offeringID string, index uint64) (bool, error)
	MarkClaimed(ctx context.Context, offeringID string, index uint64) error
}

// MemStore is the in-memory Store, used in tests and single-node runs
// without persistence.
type MemStore struct {
	mu           sync.RWMutex
	offerings    map[string]*Offering
	participants map[string]map[common.Address]*Participant
	order        map[string][]common.Address
	claimed      map[string]map[uint64]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		offerings:    make(map[string]*Offering),
		participants: make(map[string]map[common.Address]*Participant),
		order:        make(map[string][]common.Address),
		claimed:      make(map[string]map[uint64]bool),
	}
}

func (s *MemStore) CreateOffering(ctx context.Context, o *Offering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offerings[o.ID]; ok {
		return ErrOfferingExists
	}
	s.offerings[o.ID] = cloneOffering(o)
	s.participants[o.ID] = make(map[common.Address]*Participant)
	s.claimed[o.ID] = make(map[uint64]bool)
	return nil
}

func (s *MemStore) GetOffering(ctx context.Context, id string) (*Offering, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offerings[id]
	if !ok {
		return nil, ErrUnknownOffering
	}
	return cloneOffering(o), nil
}

func (s *MemStore) UpdateOffering(ctx context.Context, o *Offering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offerings[o.ID]; !ok {
		return ErrUnknownOffering
	}
	s.offerings[o.ID] = cloneOffering(o)
	return nil
}

func (s *MemStore) PutParticipant(ctx context.Context, offeringID string, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.participants[offeringID]
	if !ok {
		return ErrUnknownOffering
	}
	if _, ok := m[p.Address]; !ok {
		s.order[offeringID] = append(s.order[offeringID], p.Address)
	}
	m[p.Address] = cloneParticipant(p)
	return nil
}

func (s *MemStore) GetParticipant(ctx context.Context, offeringID string, addr common.Address) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.participants[offeringID]
	if !ok {
		return nil, ErrUnknownOffering
	}
	p, ok := m[addr]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	return cloneParticipant(p), nil
}

// ListParticipants returns participants in deposit order, which is the
// order the distribution generator assigns claim indices in.
func (s *MemStore) ListParticipants(ctx context.Context, offeringID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.participants[offeringID]
	if !ok {
		return nil, ErrUnknownOffering
	}
	out := make([]*Participant, 0, len(m))
	for _, addr := range s.order[offeringID] {
		out = append(out, cloneParticipant(m[addr]))
	}
	return out, nil
}

func (s *MemStore) IsClaimed(ctx context.Context, offeringID string, index uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.claimed[offeringID]
	if !ok {
		return false, ErrUnknownOffering
	}
	return m[index], nil
}

func (s *MemStore) MarkClaimed(ctx context.Context, offeringID string, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.claimed[offeringID]
	if !ok {
		return ErrUnknownOffering
	}
	m[index] = true
	return nil
}

func cloneOffering(o *Offering) *Offering {
	c := *o
	c.MaxAllocation = cloneAmount(o.MaxAllocation)
	c.TotalTokensForSale = cloneAmount(o.TotalTokensForSale)
	c.TotalDeposited = cloneAmount(o.TotalDeposited)
	c.FinalAllocation = cloneAmount(o.FinalAllocation)
	return &c
}

func cloneParticipant(p *Participant) *Participant {
	c := *p
	c.Amount = cloneAmount(p.Amount)
	c.DepositedAt = p.DepositedAt.In(time.UTC)
	return &c
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

// sortedClaimedIndices is a test helper surface: deterministic view of
// the claimed set.
func (s *MemStore) sortedClaimedIndices(offeringID string) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for idx, ok := range s.claimed[offeringID] {
		if ok {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
