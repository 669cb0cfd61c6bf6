// block.go - the Block entity (spec.md §3 "Block")
//
// License: GPLv3 or later

// Package blockcache maps guest physical addresses to compiled Block
// objects (spec.md §4.2), records per-block links, invalidation ranges,
// and a pending free-list drained by the translator.
package blockcache

import "github.com/kestrelemu/broadwayjit/hostcode"

// LinkData is one outbound exit link from a block, spec.md §3: "ordered
// list of LinkData{exit_address, patch_site, is_call, linked}".
type LinkData struct {
	ExitAddress uint32          // guest PC this exit targets
	PatchSite   hostcode.CodePtr // byte offset of the patchable branch
	IsCall      bool
	Linked      bool
}

// ProfileData is the optional per-block profiling counters spec.md §3
// names.
type ProfileData struct {
	TicStart        int64
	TicStop         int64
	TicCounter      int64
	DowncountCounter int64
	RunCount        uint64
}

// ID is a stable block identifier, used instead of raw pointers so links
// can be resolved by lookup rather than held as owning references
// (spec.md §9 "Cyclic references block<->block").
type ID uint32

// Block is one compiled straight-line region of guest code.
type Block struct {
	ID ID

	PhysicalStart uint32
	OriginalSize  int // guest instruction count
	CodeSize      uint32 // host bytes

	CheckedEntry hostcode.CodePtr
	NormalEntry  hostcode.CodePtr

	NearBegin, NearEnd uint32
	FarBegin, FarEnd   uint32

	Links []LinkData

	Profile *ProfileData

	// valid is cleared by invalidation; dispatch must never jump into an
	// invalid block even if it is still reachable via a stale reference.
	valid bool

	// pages is the guest-physical footprint recorded by finalize_block,
	// used by invalidate_i_cache's range-intersection test.
	pages map[uint32]bool

	// linkingEnabled is disabled per-block when a breakpoint forces every
	// exit through the dispatcher (spec.md §4.3 step 7).
	linkingEnabled bool
}

// Valid reports whether the block is still live in the cache.
func (b *Block) Valid() bool { return b.valid }

// LinkingEnabled reports whether this block's exits may be patched
// directly to other blocks' checked entries.
func (b *Block) LinkingEnabled() bool { return b.linkingEnabled }

// DisableLinking forces every subsequent exit from this block through the
// dispatcher instead of a direct patched jump, spec.md §4.3 step 7's "a
// breakpoint anywhere in the block disables linking for the whole block".
func (b *Block) DisableLinking() { b.linkingEnabled = false }
