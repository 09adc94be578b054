package types

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Well-known program addresses.
var (
	// SystemProgramID is the native system program.
	SystemProgramID = MustPubkeyFromBase58("11111111111111111111111111111111")

	// ComputeBudgetProgramID is the compute budget program used for
	// compute-unit limits and priority fees.
	ComputeBudgetProgramID = MustPubkeyFromBase58("ComputeBudget111111111111111111111111111111")
)

var (
	// ErrNoInstructions is returned when serializing a transaction with
	// no instructions.
	ErrNoInstructions = errors.New("transaction has no instructions")

	// ErrMissingFeePayer is returned when the fee payer is unset.
	ErrMissingFeePayer = errors.New("transaction has no fee payer")

	// ErrNotSigned is returned when serializing an unsigned transaction.
	ErrNotSigned = errors.New("transaction is not signed")
)

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation within a transaction.
type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is a single-signer legacy transaction. The bot only ever
// pays fees from one wallet, so the multi-signer message header always
// declares exactly one required signature.
type Transaction struct {
	FeePayer        Pubkey
	RecentBlockhash Hash
	Instructions    []Instruction
	Signature       Signature
}

// compiledAccount is an account key with its merged signer/writable flags.
type compiledAccount struct {
	key      Pubkey
	signer   bool
	writable bool
}

// compileAccounts produces the ordered account table for the message:
// writable signers first, then readonly signers, writable non-signers,
// and readonly non-signers (program ids included).
func (tx *Transaction) compileAccounts() []compiledAccount {
	index := make(map[Pubkey]int)
	var accounts []compiledAccount

	upsert := func(key Pubkey, signer, writable bool) {
		if i, ok := index[key]; ok {
			accounts[i].signer = accounts[i].signer || signer
			accounts[i].writable = accounts[i].writable || writable
			return
		}
		index[key] = len(accounts)
		accounts = append(accounts, compiledAccount{key: key, signer: signer, writable: writable})
	}

	upsert(tx.FeePayer, true, true)
	for _, ix := range tx.Instructions {
		for _, meta := range ix.Accounts {
			upsert(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		upsert(ix.ProgramID, false, false)
	}

	// Stable partition into the four ordering classes.
	var ordered []compiledAccount
	for _, class := range []func(compiledAccount) bool{
		func(a compiledAccount) bool { return a.signer && a.writable },
		func(a compiledAccount) bool { return a.signer && !a.writable },
		func(a compiledAccount) bool { return !a.signer && a.writable },
		func(a compiledAccount) bool { return !a.signer && !a.writable },
	} {
		for _, a := range accounts {
			if class(a) {
				ordered = append(ordered, a)
			}
		}
	}
	return ordered
}

// Message produces the canonical message bytes that are signed and sent.
func (tx *Transaction) Message() ([]byte, error) {
	if tx.FeePayer.IsZero() {
		return nil, ErrMissingFeePayer
	}
	if len(tx.Instructions) == 0 {
		return nil, ErrNoInstructions
	}

	accounts := tx.compileAccounts()
	index := make(map[Pubkey]int, len(accounts))
	var numSigners, numReadonlySigned, numReadonlyUnsigned int
	for i, a := range accounts {
		index[a.key] = i
		if a.signer {
			numSigners++
			if !a.writable {
				numReadonlySigned++
			}
		} else if !a.writable {
			numReadonlyUnsigned++
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(numSigners))
	buf.WriteByte(byte(numReadonlySigned))
	buf.WriteByte(byte(numReadonlyUnsigned))

	writeCompactU16(&buf, len(accounts))
	for _, a := range accounts {
		buf.Write(a.key[:])
	}

	buf.Write(tx.RecentBlockhash[:])

	writeCompactU16(&buf, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		progIdx, ok := index[ix.ProgramID]
		if !ok {
			return nil, fmt.Errorf("program %s missing from account table", ix.ProgramID)
		}
		buf.WriteByte(byte(progIdx))
		writeCompactU16(&buf, len(ix.Accounts))
		for _, meta := range ix.Accounts {
			buf.WriteByte(byte(index[meta.Pubkey]))
		}
		writeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}

	return buf.Bytes(), nil
}

// Sign signs the message with the provided signing function and stores
// the resulting signature on the transaction.
func (tx *Transaction) Sign(sign func(message []byte) (Signature, error)) error {
	msg, err := tx.Message()
	if err != nil {
		return err
	}
	sig, err := sign(msg)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	tx.Signature = sig
	return nil
}

// Serialize produces the wire form: a compact signature array followed
// by the message bytes.
func (tx *Transaction) Serialize() ([]byte, error) {
	if tx.Signature.IsZero() {
		return nil, ErrNotSigned
	}
	msg, err := tx.Message()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeCompactU16(&buf, 1)
	buf.Write(tx.Signature[:])
	buf.Write(msg)
	return buf.Bytes(), nil
}

// Base64 returns the serialized transaction base64-encoded for the
// sendTransaction RPC call.
func (tx *Transaction) Base64() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// writeCompactU16 writes the Solana shortvec length encoding.
func writeCompactU16(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

// EncodeU32LE encodes a uint32 in little-endian byte order.
func EncodeU32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// EncodeU64LE encodes a uint64 in little-endian byte order.
func EncodeU64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
