// gather_pipe.go - once-per-block gather-pipe and external-interrupt checks
//
// License: GPLv3 or later

package translator

import (
	"github.com/kestrelemu/broadwayjit/analyzer"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

// emitGatherPipeAndInterruptCheck emits the two guards spec.md §4.3 step 7
// runs once per block rather than per instruction: a test for a pending
// external interrupt (gated on MSR.EE and the processor-interface cause,
// both checked inside OpExternalIntCheck), and, only if the block contains
// any load or store, an inline fast check that the gather pipe is not
// already full before the first such access commits.
func (t *Translator) emitGatherPipeAndInterruptCheck(em *hostcode.Emitter, cb *analyzer.CodeBlock, jit *compileState) {
	em.Emit(hostcode.Instr{Op: hostcode.OpExternalIntCheck, Ra: jit.blockStart})

	if cb.Stats.NumLoadStore > 0 {
		em.Emit(hostcode.Instr{Op: hostcode.OpGatherPipeCheck})
	}
}
