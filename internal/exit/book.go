package exit

import (
	"fmt"
	"slices"
	"sync"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Book is the authoritative in-memory record of positions, keyed by asset.
// Each asset slot has its own lock, held only while copying a position in or
// out. Callers always receive copies.
type Book struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu      sync.Mutex
	current *domain.Position
	history []domain.Position
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{slots: make(map[string]*slot)}
}

func (b *Book) slot(assetID string) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[assetID]
	if !ok {
		s = &slot{}
		b.slots[assetID] = s
	}
	return s
}

func (b *Book) lookup(assetID string) (*slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[assetID]
	return s, ok
}

// Create installs pos as the asset's current position. It fails with
// domain.ErrPositionActive if the asset already has an active one.
func (b *Book) Create(pos domain.Position) error {
	if !pos.Active {
		return fmt.Errorf("book: create %s: %w", pos.AssetID, domain.ErrClosed)
	}
	s := b.slot(pos.AssetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Active {
		return fmt.Errorf("book: create %s: %w", pos.AssetID, domain.ErrPositionActive)
	}
	s.install(pos)
	return nil
}

// Replace installs next in place of the closed position prevID. It is the
// re-entry path: it fails if prevID is no longer the asset's current
// position or if some other active position took the slot meanwhile.
func (b *Book) Replace(prevID string, next domain.Position) error {
	s := b.slot(next.AssetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Active {
		return fmt.Errorf("book: replace %s: %w", next.AssetID, domain.ErrPositionActive)
	}
	if s.current == nil || s.current.ID != prevID {
		return fmt.Errorf("book: replace %s: previous position %s: %w", next.AssetID, prevID, domain.ErrNotFound)
	}
	s.install(next)
	return nil
}

func (s *slot) install(pos domain.Position) {
	if s.current != nil {
		s.history = append(s.history, *s.current)
	}
	c := pos.Clone()
	s.current = &c
}

// Commit writes back an updated copy of the asset's current position. A
// closed position can no longer be changed and the remaining percentage
// never grows.
func (b *Book) Commit(pos domain.Position) error {
	s, ok := b.lookup(pos.AssetID)
	if !ok {
		return fmt.Errorf("book: commit %s: %w", pos.ID, domain.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current
	if cur == nil || cur.ID != pos.ID {
		return fmt.Errorf("book: commit %s: %w", pos.ID, domain.ErrNotFound)
	}
	if !cur.Active {
		return fmt.Errorf("book: commit %s: %w", pos.ID, domain.ErrClosed)
	}
	if pos.RemainingPct.GreaterThan(cur.RemainingPct) {
		return fmt.Errorf("book: commit %s: remaining pct grew from %s to %s: %w",
			pos.ID, cur.RemainingPct, pos.RemainingPct, domain.ErrInvalidPosition)
	}
	c := pos.Clone()
	s.current = &c
	return nil
}

// Get returns a copy of the asset's current position, active or not.
func (b *Book) Get(assetID string) (domain.Position, bool) {
	s, ok := b.lookup(assetID)
	if !ok {
		return domain.Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Position{}, false
	}
	return s.current.Clone(), true
}

// HasActive reports whether the asset currently has an active position.
func (b *Book) HasActive(assetID string) bool {
	pos, ok := b.Get(assetID)
	return ok && pos.Active
}

// Current returns copies of the latest position of every asset, sorted by
// open time.
func (b *Book) Current() []domain.Position {
	var out []domain.Position
	for _, s := range b.allSlots() {
		s.mu.Lock()
		if s.current != nil {
			out = append(out, s.current.Clone())
		}
		s.mu.Unlock()
	}
	sortByOpened(out)
	return out
}

// Active returns copies of all active positions.
func (b *Book) Active() []domain.Position {
	var out []domain.Position
	for _, pos := range b.Current() {
		if pos.Active {
			out = append(out, pos)
		}
	}
	return out
}

// History returns every generation recorded for the asset, oldest first,
// including the current one.
func (b *Book) History(assetID string) []domain.Position {
	s, ok := b.lookup(assetID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.history)+1)
	for _, p := range s.history {
		out = append(out, p.Clone())
	}
	if s.current != nil {
		out = append(out, s.current.Clone())
	}
	return out
}

func (b *Book) allSlots() []*slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*slot, 0, len(b.slots))
	for _, s := range b.slots {
		out = append(out, s)
	}
	return out
}

func sortByOpened(ps []domain.Position) {
	slices.SortStableFunc(ps, func(a, b domain.Position) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
}
