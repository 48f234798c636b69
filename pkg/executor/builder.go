package executor

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// execDiscriminator prefixes the exec-marker instruction data.
var execDiscriminator = thread.InstructionDiscriminator("thread_exec")

// Builder composes and signs execution transactions. The on-chain program
// expects the instruction order: nonce-advance, fiber instruction, exec
// marker.
type Builder struct {
	signer          solana.PrivateKey
	forgoCommission bool
}

// NewBuilder creates a builder signing with the executor identity.
func NewBuilder(signer solana.PrivateKey, forgoCommission bool) *Builder {
	return &Builder{signer: signer, forgoCommission: forgoCommission}
}

// Identity returns the executor's public key.
func (b *Builder) Identity() solana.PublicKey {
	return b.signer.PublicKey()
}

// Build assembles the signed transaction for one execution of th's current
// fiber. For durable threads the stored nonce value is the recent
// blockhash; otherwise freshBlockhash is used. The returned flag reports
// whether the transaction is durable.
func (b *Builder) Build(
	threadPubkey solana.PublicKey,
	th *thread.Thread,
	fiber *thread.Fiber,
	cfg *thread.Config,
	freshBlockhash solana.Hash,
) (*solana.Transaction, bool, error) {
	fiberIx, err := thread.DecodeInstruction(fiber.CompiledInstruction)
	if err != nil {
		return nil, false, fmt.Errorf("decode fiber instruction: %w", err)
	}

	fiberPubkey, err := thread.FiberPubkey(threadPubkey, fiber.Index)
	if err != nil {
		return nil, false, fmt.Errorf("derive fiber address: %w", err)
	}
	configPubkey, err := thread.ConfigPubkey()
	if err != nil {
		return nil, false, fmt.Errorf("derive config address: %w", err)
	}

	durable := th.HasNonceAccount()

	var instructions []solana.Instruction
	if durable {
		instructions = append(instructions, system.NewAdvanceNonceAccountInstruction(
			th.NonceAccount,
			solana.SysVarRecentBlockHashesPubkey,
			b.signer.PublicKey(),
		).Build())
	}
	instructions = append(instructions,
		genericInstruction(fiberIx),
		b.execMarker(threadPubkey, th, fiberPubkey, configPubkey, cfg),
	)

	blockhash := freshBlockhash
	if durable {
		nonceHash, err := solana.HashFromBase58(th.LastNonce)
		if err != nil {
			return nil, false, fmt.Errorf("parse stored nonce %q: %w", th.LastNonce, err)
		}
		blockhash = nonceHash
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(b.signer.PublicKey()),
	)
	if err != nil {
		return nil, false, fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.signer.PublicKey()) {
			return &b.signer
		}
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("sign transaction: %w", err)
	}

	return tx, durable, nil
}

// execMarker builds the instruction that advances thread state on-chain and
// distributes fees. The forgo bit rides in the instruction data; the fee
// arithmetic itself stays on-chain.
func (b *Builder) execMarker(
	threadPubkey solana.PublicKey,
	th *thread.Thread,
	fiberPubkey, configPubkey solana.PublicKey,
	cfg *thread.Config,
) solana.Instruction {
	data := make([]byte, 0, 9)
	data = append(data, execDiscriminator[:]...)
	if b.forgoCommission {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(b.signer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(threadPubkey).WRITE(),
		solana.Meta(fiberPubkey).WRITE(),
		solana.Meta(configPubkey),
		solana.Meta(th.Authority).WRITE(),
		solana.Meta(cfg.Admin).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}
	if tr := th.Trigger; tr.Kind == thread.TriggerAccount {
		accounts = append(accounts, solana.Meta(tr.Address))
	}

	return solana.NewInstruction(thread.ProgramID, accounts, data)
}

func genericInstruction(ix *thread.Instruction) solana.Instruction {
	metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, m := range ix.Accounts {
		meta := solana.Meta(m.Pubkey)
		if m.IsWritable {
			meta = meta.WRITE()
		}
		// Inner-instruction signers are satisfied by program-derived
		// signing on-chain, never by the executor.
		metas = append(metas, meta)
	}
	return solana.NewInstruction(ix.ProgramID, metas, ix.Data)
}
