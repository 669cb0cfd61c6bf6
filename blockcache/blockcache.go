// blockcache.go - the block cache (BC), spec.md §4.2
//
// License: GPLv3 or later

package blockcache

import "github.com/kestrelemu/broadwayjit/hostcode"

// FreedRange is one reclaimed host-code span, queued for CRA.Insert.
type FreedRange struct {
	From, To uint32
}

// Cache maps guest physical start addresses to compiled blocks. Per
// spec.md §5, the block cache is accessed only from the CPU thread, so
// unlike fifo.Ring this type carries no synchronization of its own.
type Cache struct {
	byAddress map[uint32]*Block
	byID      map[ID]*Block
	byPage    map[uint32][]*Block // guest page -> blocks whose footprint includes it
	nextID    ID

	pendingNear []FreedRange
	pendingFar  []FreedRange

	noBlockLinking bool
}

// New returns an empty block cache. noBlockLinking mirrors the
// no_block_linking tunable (spec.md §6): when set, finalize_block never
// patches inbound exits, every exit always goes through the dispatcher.
func New(noBlockLinking bool) *Cache {
	return &Cache{
		byAddress:      make(map[uint32]*Block),
		byID:           make(map[ID]*Block),
		byPage:         make(map[uint32][]*Block),
		noBlockLinking: noBlockLinking,
	}
}

// Lookup returns the valid block starting at pc, if any. This is the
// dispatcher's primary hot-path operation.
func (c *Cache) Lookup(pc uint32) (*Block, bool) {
	b, ok := c.byAddress[pc]
	if !ok || !b.valid {
		return nil, false
	}
	return b, true
}

// AllocateBlock returns a fresh Block with uninitialized entries
// (spec.md §4.2 allocate_block). The translator fills in entries and
// ranges as it emits, then calls FinalizeBlock.
func (c *Cache) AllocateBlock(pc uint32) *Block {
	c.nextID++
	b := &Block{
		ID:             c.nextID,
		PhysicalStart:  pc,
		valid:          true,
		linkingEnabled: !c.noBlockLinking,
		pages:          make(map[uint32]bool),
	}
	return b
}

// FinalizeBlock records the block's guest-physical footprint and, if
// linking is enabled, patches any already-compiled block whose unresolved
// exit targets this block's start address directly to its checked entry
// (spec.md §4.2 finalize_block). A patch site starts out as an
// OpExitDispatcher carrying the guest exit address; linking it rewrites
// both the opcode (to OpJump) and the operand (to the target's checked
// entry, a host code byte offset) together, since a bytecode operand's
// meaning depends entirely on the opcode that reads it. arenaBytes is
// passed so patch sites can be rewritten in place.
func (c *Cache) FinalizeBlock(b *Block, physicalPages []uint32, arenaBytes []byte) {
	for _, p := range physicalPages {
		b.pages[p] = true
		c.byPage[p] = append(c.byPage[p], b)
	}
	c.byAddress[b.PhysicalStart] = b
	c.byID[b.ID] = b

	if !b.linkingEnabled {
		return
	}
	for _, other := range c.byAddress {
		if other == b {
			continue
		}
		for i := range other.Links {
			l := &other.Links[i]
			if l.Linked || l.ExitAddress != b.PhysicalStart {
				continue
			}
			hostcode.PatchOp(arenaBytes, uint32(l.PatchSite), hostcode.OpJump)
			hostcode.PatchTarget(arenaBytes, uint32(l.PatchSite), uint32(b.CheckedEntry))
			l.Linked = true
		}
	}
}

// InvalidateICache marks every block whose guest-physical footprint
// intersects [from,to) as invalid, tears out inbound exit links (pointing
// them back at the dispatcher), and enqueues host-code ranges for
// reclamation (spec.md §4.2 invalidate_i_cache). forced is accepted for
// API symmetry with spec.md but this implementation always tears out
// links regardless, since a stale link is never safe to leave behind.
func (c *Cache) InvalidateICache(from, to uint32, forced bool, arenaBytes []byte) {
	_ = forced
	touched := make(map[*Block]bool)
	for page := from & ^uint32(0xFFF); page < to; page += 0x1000 {
		for _, b := range c.byPage[page] {
			if b.valid {
				touched[b] = true
			}
		}
		if page+0x1000 < page {
			break // would overflow past 0xFFFFFFFF
		}
	}

	c.invalidateBlocks(touched, arenaBytes)
}

// invalidateBlocks tears out every inbound link into the touched set,
// restoring each patch site to its pre-link form: opcode back to
// OpExitDispatcher, operand back to the link's own guest exit address
// (never a stale host offset a freed block used to own).
func (c *Cache) invalidateBlocks(touched map[*Block]bool, arenaBytes []byte) {
	for b := range touched {
		b.valid = false
		delete(c.byAddress, b.PhysicalStart)
		delete(c.byID, b.ID)
		for p := range b.pages {
			c.removeFromPage(p, b)
		}

		for _, other := range c.byAddress {
			for i := range other.Links {
				l := &other.Links[i]
				if l.ExitAddress == b.PhysicalStart && l.Linked {
					hostcode.PatchOp(arenaBytes, uint32(l.PatchSite), hostcode.OpExitDispatcher)
					hostcode.PatchTarget(arenaBytes, uint32(l.PatchSite), l.ExitAddress)
					l.Linked = false
				}
			}
		}

		c.pendingNear = append(c.pendingNear, FreedRange{From: b.NearBegin, To: b.NearEnd})
		if b.FarEnd > b.FarBegin {
			c.pendingFar = append(c.pendingFar, FreedRange{From: b.FarBegin, To: b.FarEnd})
		}
	}
}

func (c *Cache) removeFromPage(page uint32, b *Block) {
	list := c.byPage[page]
	for i, other := range list {
		if other == b {
			c.byPage[page] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.byPage[page]) == 0 {
		delete(c.byPage, page)
	}
}

// DrainFreedRanges atomically consumes the two pending free-list queues
// and returns their contents, for the caller to feed to CRA.Insert
// (spec.md §4.2 drain_freed_ranges / §4.3 step 3).
func (c *Cache) DrainFreedRanges() (near, far []FreedRange) {
	near, far = c.pendingNear, c.pendingFar
	c.pendingNear, c.pendingFar = nil, nil
	return near, far
}

// Clear invalidates every block, equivalent to invalidating the entire
// guest address space in one pass (spec.md §4.2 clear, used by the
// space-exhaustion and BLR-overflow recovery paths).
func (c *Cache) Clear(arenaBytes []byte) {
	touched := make(map[*Block]bool, len(c.byAddress))
	for _, b := range c.byAddress {
		touched[b] = true
	}
	c.invalidateBlocks(touched, arenaBytes)
}

// Len reports how many valid blocks are currently cached, for tests and
// diagnostics.
func (c *Cache) Len() int { return len(c.byAddress) }
