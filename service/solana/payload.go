package solana

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/brojonat/txpipe/service/pipeline"
)

// MemoProgramID is the SPL Memo program used for transfer memos.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// buildTransfer creates an unsigned native SOL transfer paid by from.
func buildTransfer(from solana.PublicKey, p *pipeline.TransferPayload, blockhash solana.Hash) (*solana.Transaction, error) {
	if p == nil {
		return nil, fmt.Errorf("transfer payload is required")
	}
	to, err := solana.PublicKeyFromBase58(p.To)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", p.To, err)
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(p.Lamports, from, to).Build(),
	}
	if p.Memo != "" {
		instructions = append(instructions, solana.NewInstruction(
			MemoProgramID,
			solana.AccountMetaSlice{solana.Meta(from).SIGNER()},
			[]byte(p.Memo),
		))
	}

	return solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(from))
}

// prepareSwap decodes an aggregator-built swap and points it at blockhash.
func prepareSwap(p *pipeline.SwapPayload, blockhash solana.Hash) (*solana.Transaction, error) {
	if p == nil {
		return nil, fmt.Errorf("swap payload is required")
	}
	raw, err := base64.StdEncoding.DecodeString(p.Transaction)
	if err != nil {
		return nil, fmt.Errorf("swap transaction is not valid base64: %w", err)
	}
	tx, err := decodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	tx.Message.RecentBlockhash = blockhash
	return tx, nil
}

// decodeTransaction reads a wire-encoded (legacy or v0) transaction.
func decodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// programsInvoked lists the program ids a transaction calls, in order.
func programsInvoked(tx *solana.Transaction) []string {
	out := make([]string, 0, len(tx.Message.Instructions))
	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		out = append(out, programID.String())
	}
	return out
}
