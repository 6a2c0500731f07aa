package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/communisaas/communique-core/atlas"
	"github.com/communisaas/communique-core/crypto"
	"github.com/communisaas/communique-core/store"
)

// ValidityWindow is how long a registration remains usable before the user
// must re-register.
const ValidityWindow = 6 * 30 * 24 * time.Hour

// DefaultTreeDepth is the district tree depth for path index derivation.
const DefaultTreeDepth = 20

// Result is the registration outcome returned to the proof-generation client.
type Result struct {
	LeafIndex         uint64    `json:"leafIndex"`
	MerkleRoot        string    `json:"merkleRoot"`
	MerklePath        []string  `json:"merklePath"`
	PathIndices       []int     `json:"pathIndices"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AlreadyRegistered bool      `json:"alreadyRegistered"`
}

// Service implements leaf registration against the Shadow Atlas.
type Service struct {
	store     store.Store
	atlas     *atlas.Client
	treeDepth int
	log       *slog.Logger
}

// NewService creates a registration service.
func NewService(st store.Store, atlasClient *atlas.Client, treeDepth int, log *slog.Logger) *Service {
	if treeDepth <= 0 {
		treeDepth = DefaultTreeDepth
	}
	return &Service{store: st, atlas: atlasClient, treeDepth: treeDepth, log: log}
}

// Register validates the leaf hash and registers it for the user. Invalid
// leaf hashes are rejected before any network call. If the user is already
// registered the stored record is returned with AlreadyRegistered set and the
// operator is not contacted.
func (s *Service) Register(ctx context.Context, userID, leafHash string) (*Result, error) {
	if _, err := crypto.ParseFieldElement(leafHash); err != nil {
		return nil, err
	}

	existing, err := s.store.GetRegistration(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up registration: %w", err)
	}
	if existing != nil {
		return s.resultFrom(existing, true), nil
	}

	resp, err := s.atlas.RegisterLeaf(ctx, leafHash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reg := &store.Registration{
		UserID:       userID,
		LeafHash:     leafHash,
		LeafIndex:    resp.LeafIndex,
		MerkleRoot:   resp.MerkleRoot,
		MerklePath:   resp.MerklePath,
		RegisteredAt: now,
		ExpiresAt:    now.Add(ValidityWindow),
	}

	stored, created, err := s.store.UpsertRegistration(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("persisting registration: %w", err)
	}
	if !created {
		// A concurrent call for the same user won the insert; return its row.
		s.log.Info("concurrent registration resolved to stored row", "userId", userID)
		return s.resultFrom(stored, true), nil
	}

	return s.resultFrom(stored, false), nil
}

func (s *Service) resultFrom(reg *store.Registration, alreadyRegistered bool) *Result {
	return &Result{
		LeafIndex:         reg.LeafIndex,
		MerkleRoot:        reg.MerkleRoot,
		MerklePath:        reg.MerklePath,
		PathIndices:       crypto.PathIndices(reg.LeafIndex, s.treeDepth),
		ExpiresAt:         reg.ExpiresAt,
		AlreadyRegistered: alreadyRegistered,
	}
}
