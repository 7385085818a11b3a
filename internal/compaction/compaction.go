package compaction

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/showjihyun/trellis/internal/changelog"
	"github.com/showjihyun/trellis/internal/store"
)

type Config struct {
	Interval    time.Duration
	OpThreshold int
	KeepRecent  int
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		OpThreshold: 200,
		KeepRecent:  50,
	}
}

// Service periodically folds each room's stored op tail into its
// snapshot, keeping the recent ops that clients may still rebase
// against.
type Service struct {
	store  *store.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, config Config) *Service {
	return &Service{
		store:  st,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🗜️ Compaction service started (interval: %v, threshold: %d ops)",
		s.config.Interval, s.config.OpThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🗜️ Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms()
		}
	}
}

func (s *Service) compactAllRooms() {
	rooms, err := s.store.ListRooms(1000, 0)
	if err != nil {
		log.Printf("Compaction: failed to list rooms: %v", err)
		return
	}

	compactedCount := 0
	for _, room := range rooms {
		if s.shouldCompact(room.ID) {
			if err := s.compactRoom(room.ID); err != nil {
				log.Printf("Compaction: failed for room %s: %v", room.ID, err)
			} else {
				compactedCount++
			}
		}
	}

	if compactedCount > 0 {
		log.Printf("🗜️ Compacted %d rooms", compactedCount)
	}
}

func (s *Service) shouldCompact(roomID string) bool {
	count, err := s.store.OpCount(roomID)
	if err != nil {
		return false
	}
	return count >= s.config.OpThreshold
}

// compactRoom folds all but the most recent ops into the room's
// snapshot. The fold only proceeds over a contiguous tail; a hole means
// the stored history is unusable and is left for the room's seed path to
// repair.
func (s *Service) compactRoom(roomID string) error {
	base, baseSeq, err := s.store.GetSnapshot(roomID)
	if err != nil {
		return err
	}
	ops, err := s.store.OpsAfter(roomID, baseSeq)
	if err != nil {
		return err
	}

	keep := s.config.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if len(ops) < s.config.OpThreshold || len(ops) <= keep {
		return nil
	}

	next := baseSeq + 1
	for _, op := range ops {
		if op.SequenceNumber != next {
			return fmt.Errorf("op tail has a hole at seq %d (found %d)", next, op.SequenceNumber)
		}
		next++
	}

	cut := ops[:len(ops)-keep]
	folded, err := changelog.Fold(base, cut)
	if err != nil {
		return err
	}
	cutLast := cut[len(cut)-1].SequenceNumber

	opCount := len(cut)
	if prior, err := changelog.Unfold(base); err == nil {
		opCount += len(prior)
	}

	if err := s.store.SaveSnapshot(roomID, folded, cutLast, opCount); err != nil {
		return err
	}
	if err := s.store.DeleteOpsThrough(roomID, cutLast); err != nil {
		return err
	}

	log.Printf("🗜️ Compacted room %s: %d ops folded through seq %d, %d recent kept",
		roomID, len(cut), cutLast, keep)

	return nil
}

func (s *Service) CompactNow(roomID string) error {
	return s.compactRoom(roomID)
}
