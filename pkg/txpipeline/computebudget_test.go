package txpipeline

import (
	"testing"

	"github.com/Leeyle/meteora2-sub004/internal/types"
)

func feeInstructionState(t *testing.T, tx *types.Transaction) (limit uint32, price uint64, limits, prices int) {
	t.Helper()
	for _, ix := range tx.Instructions {
		if l, ok := parseComputeUnitLimit(ix); ok {
			limit = l
			limits++
		}
		if p, ok := parseComputeUnitPrice(ix); ok {
			price = p
			prices++
		}
	}
	return
}

func TestAttachFeeInstructionsBare(t *testing.T) {
	program := types.MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	tx := &types.Transaction{
		Instructions: []types.Instruction{{ProgramID: program, Data: []byte{7}}},
	}

	attachFeeInstructions(tx, 30_000, 150_000)

	limit, price, limits, prices := feeInstructionState(t, tx)
	if limits != 1 || prices != 1 {
		t.Fatalf("fee instruction counts = %d limits, %d prices, want 1 each", limits, prices)
	}
	if limit != 150_000 {
		t.Errorf("limit = %d, want 150000", limit)
	}
	if price != 30_000 {
		t.Errorf("price = %d, want 30000", price)
	}
	// Limit leads, price follows, payload trails.
	if _, ok := parseComputeUnitLimit(tx.Instructions[0]); !ok {
		t.Error("limit instruction is not first")
	}
	if _, ok := parseComputeUnitPrice(tx.Instructions[1]); !ok {
		t.Error("price instruction is not second")
	}
	if !tx.Instructions[2].ProgramID.Equals(program) {
		t.Error("payload instruction displaced")
	}
}

func TestAttachFeeInstructionsKeepsLargerLimit(t *testing.T) {
	tx := &types.Transaction{
		Instructions: []types.Instruction{newComputeUnitLimitInstruction(1_000_000)},
	}

	attachFeeInstructions(tx, 30_000, 200_000)

	limit, _, limits, prices := feeInstructionState(t, tx)
	if limits != 1 || prices != 1 {
		t.Fatalf("fee instruction counts = %d limits, %d prices, want 1 each", limits, prices)
	}
	if limit != 1_000_000 {
		t.Errorf("limit = %d, want existing 1000000 kept", limit)
	}
}

func TestAttachFeeInstructionsRaisesSmallerLimit(t *testing.T) {
	tx := &types.Transaction{
		Instructions: []types.Instruction{newComputeUnitLimitInstruction(50_000)},
	}

	attachFeeInstructions(tx, 30_000, 200_000)

	limit, _, _, _ := feeInstructionState(t, tx)
	if limit != 200_000 {
		t.Errorf("limit = %d, want raised to 200000", limit)
	}
}

func TestAttachFeeInstructionsReplacesPrice(t *testing.T) {
	tx := &types.Transaction{
		Instructions: []types.Instruction{
			newComputeUnitLimitInstruction(300_000),
			newComputeUnitPriceInstruction(5_000),
		},
	}

	attachFeeInstructions(tx, 80_000, 200_000)

	_, price, limits, prices := feeInstructionState(t, tx)
	if limits != 1 || prices != 1 {
		t.Fatalf("duplicate fee instructions stacked: %d limits, %d prices", limits, prices)
	}
	if price != 80_000 {
		t.Errorf("price = %d, want replaced 80000", price)
	}
	if len(tx.Instructions) != 2 {
		t.Errorf("instruction count = %d, want 2", len(tx.Instructions))
	}
}

func TestAttachFeeInstructionsLimitNotFirst(t *testing.T) {
	program := types.MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	tx := &types.Transaction{
		Instructions: []types.Instruction{
			{ProgramID: program, Data: []byte{7}},
			newComputeUnitLimitInstruction(500_000),
		},
	}

	attachFeeInstructions(tx, 25_000, 200_000)

	// The price lands right after the existing limit, wherever it sits.
	if price, ok := parseComputeUnitPrice(tx.Instructions[2]); !ok || price != 25_000 {
		t.Errorf("instruction after limit = %d/%v, want price 25000", price, ok)
	}
	if len(tx.Instructions) != 3 {
		t.Errorf("instruction count = %d, want 3", len(tx.Instructions))
	}
}

func TestParseComputeBudgetRejectsForeignPrograms(t *testing.T) {
	ix := types.Instruction{
		ProgramID: types.SystemProgramID,
		Data:      append([]byte{ixSetComputeUnitLimit}, types.EncodeU32LE(100)...),
	}
	if _, ok := parseComputeUnitLimit(ix); ok {
		t.Error("parsed a limit from a non-compute-budget program")
	}
	if _, ok := parseComputeUnitPrice(ix); ok {
		t.Error("parsed a price from a non-compute-budget program")
	}
}
