// Package regiondb manages connections to the regional database
// partitions. Tenant data rows live in exactly one partition; the
// router asks this package for the partition matching a routing
// decision's stored region and never writes anywhere else.
package regiondb

import (
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/infrastructure/config"
	"github.com/meridian/backend/internal/infrastructure/persistence"
)

// PartitionSet holds one database handle per provisioned region
type PartitionSet struct {
	mu         sync.RWMutex
	home       region.Code
	partitions map[region.Code]*persistence.Database
	rank       []region.Code
}

// Open connects to every region named in the configuration. The home
// region must resolve; other regions are opened lazily tolerant - a
// partition that cannot be reached at boot is reported immediately.
func Open(cfg *config.Config) (*PartitionSet, error) {
	home, err := region.ParseCode(cfg.Regions.Home)
	if err != nil {
		return nil, fmt.Errorf("invalid home region: %w", err)
	}

	set := &PartitionSet{
		home:       home,
		partitions: make(map[region.Code]*persistence.Database, len(cfg.Regions.Codes)),
	}

	for _, raw := range cfg.Regions.Codes {
		code, err := region.ParseCode(raw)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("invalid region code %q: %w", raw, err)
		}
		db, err := persistence.OpenPartition(cfg.RegionDSN(raw), &cfg.Database)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to open partition %s: %w", code, err)
		}
		set.partitions[code] = db
	}

	for _, raw := range cfg.Regions.LatencyRank {
		if code, err := region.ParseCode(raw); err == nil {
			set.rank = append(set.rank, code)
		}
	}

	return set, nil
}

// NewWithPartitions builds a set from pre-opened handles. Used by tests
// and single-region deployments that share one database.
func NewWithPartitions(home region.Code, partitions map[region.Code]*persistence.Database, rank []region.Code) *PartitionSet {
	return &PartitionSet{
		home:       home,
		partitions: partitions,
		rank:       rank,
	}
}

// Home returns the code of the region this instance serves
func (s *PartitionSet) Home() region.Code {
	return s.home
}

// Partition returns the database handle for a region. Unprovisioned
// regions return region.ErrRegionNotProvisioned; callers must not fall
// back to another partition on error.
func (s *PartitionSet) Partition(code region.Code) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, ok := s.partitions[code]
	if !ok {
		return nil, region.ErrRegionNotProvisioned
	}
	return db.DB, nil
}

// HomePartition returns the handle for the home region
func (s *PartitionSet) HomePartition() *gorm.DB {
	db, _ := s.Partition(s.home)
	return db
}

// Provisioned reports whether the region has a partition
func (s *PartitionSet) Provisioned(code region.Code) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[code]
	return ok
}

// Codes returns all provisioned region codes
func (s *PartitionSet) Codes() region.CodeList {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make(region.CodeList, 0, len(s.partitions))
	for code := range s.partitions {
		codes = append(codes, code)
	}
	return codes
}

// Nearest picks the lowest-latency region among candidates using the
// configured ranking. Candidates not in the ranking sort last; with no
// ranking the first provisioned candidate wins.
func (s *PartitionSet) Nearest(candidates region.CodeList) (region.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provisioned := make(region.CodeList, 0, len(candidates))
	for _, code := range candidates {
		if _, ok := s.partitions[code]; ok {
			provisioned = append(provisioned, code)
		}
	}
	if len(provisioned) == 0 {
		return "", region.ErrRegionNotProvisioned
	}

	for _, ranked := range s.rank {
		if provisioned.Contains(ranked) {
			return ranked, nil
		}
	}
	return provisioned[0], nil
}

// Close closes every partition handle
func (s *PartitionSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, db := range s.partitions {
		_ = db.Close()
		delete(s.partitions, code)
	}
}
