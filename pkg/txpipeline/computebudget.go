package txpipeline

import (
	"encoding/binary"

	"github.com/Leeyle/meteora2-sub004/internal/types"
)

// Compute budget instruction discriminators.
const (
	ixSetComputeUnitLimit = 2
	ixSetComputeUnitPrice = 3
)

// DefaultComputeUnitLimit is attached when a transaction carries no
// compute-unit limit of its own.
const DefaultComputeUnitLimit = 200_000

// newComputeUnitLimitInstruction builds a SetComputeUnitLimit instruction.
func newComputeUnitLimitInstruction(units uint32) types.Instruction {
	data := append([]byte{ixSetComputeUnitLimit}, types.EncodeU32LE(units)...)
	return types.Instruction{ProgramID: types.ComputeBudgetProgramID, Data: data}
}

// newComputeUnitPriceInstruction builds a SetComputeUnitPrice instruction
// carrying the priority fee in micro-lamports per compute unit.
func newComputeUnitPriceInstruction(microLamports uint64) types.Instruction {
	data := append([]byte{ixSetComputeUnitPrice}, types.EncodeU64LE(microLamports)...)
	return types.Instruction{ProgramID: types.ComputeBudgetProgramID, Data: data}
}

// parseComputeUnitLimit extracts the unit limit from a compute budget
// instruction, if it is one.
func parseComputeUnitLimit(ix types.Instruction) (uint32, bool) {
	if !ix.ProgramID.Equals(types.ComputeBudgetProgramID) {
		return 0, false
	}
	if len(ix.Data) < 5 || ix.Data[0] != ixSetComputeUnitLimit {
		return 0, false
	}
	return binary.LittleEndian.Uint32(ix.Data[1:5]), true
}

// parseComputeUnitPrice extracts the priority fee from a compute budget
// instruction, if it is one.
func parseComputeUnitPrice(ix types.Instruction) (uint64, bool) {
	if !ix.ProgramID.Equals(types.ComputeBudgetProgramID) {
		return 0, false
	}
	if len(ix.Data) < 9 || ix.Data[0] != ixSetComputeUnitPrice {
		return 0, false
	}
	return binary.LittleEndian.Uint64(ix.Data[1:9]), true
}

// attachFeeInstructions merges fee instructions into the transaction.
// An existing compute-unit limit is kept when it is larger than ours;
// an existing compute-unit price is replaced with the new fee. Duplicate
// fee instructions are never stacked.
func attachFeeInstructions(tx *types.Transaction, priorityFee uint64, unitLimit uint32) {
	limitIdx, priceIdx := -1, -1
	existingLimit := uint32(0)

	for i, ix := range tx.Instructions {
		if limit, ok := parseComputeUnitLimit(ix); ok && limitIdx == -1 {
			limitIdx, existingLimit = i, limit
		}
		if _, ok := parseComputeUnitPrice(ix); ok && priceIdx == -1 {
			priceIdx = i
		}
	}

	if limitIdx >= 0 {
		if existingLimit < unitLimit {
			tx.Instructions[limitIdx] = newComputeUnitLimitInstruction(unitLimit)
		}
	} else {
		tx.Instructions = append([]types.Instruction{newComputeUnitLimitInstruction(unitLimit)}, tx.Instructions...)
		limitIdx = 0
		if priceIdx >= 0 {
			priceIdx++
		}
	}

	if priceIdx >= 0 {
		tx.Instructions[priceIdx] = newComputeUnitPriceInstruction(priorityFee)
		return
	}

	// Price goes right after the limit instruction.
	insertAt := limitIdx + 1
	ixs := make([]types.Instruction, 0, len(tx.Instructions)+1)
	ixs = append(ixs, tx.Instructions[:insertAt]...)
	ixs = append(ixs, newComputeUnitPriceInstruction(priorityFee))
	ixs = append(ixs, tx.Instructions[insertAt:]...)
	tx.Instructions = ixs
}
