package dissemination

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// shardEnvelopeID derives a MessageID unique to one shard of one
// transfer, so each shard frame passes the top-level engine's
// duplicate-envelope check independently instead of colliding on a
// shared id.
func shardEnvelopeID(transferID uint64, shardIndex byte) types.MessageID {
	return types.MessageID(transferID<<8 | uint64(shardIndex))
}

// erasureParityShards is fixed rather than proportional to batch size:
// RHPMAN buffers are small (bounded by buffer_capacity), so a constant
// two-parity-shard budget is cheap insurance regardless of how many
// data shards the batch splits into.
const erasureParityShards = 2

// erasureAssemblyTTL bounds how long a partially-received transfer is
// held before being abandoned; a MANET hop that never delivers enough
// shards to reconstruct should not leak memory forever.
const erasureAssemblyTTL = 30 * time.Second

// sendErasureTransfer Reed-Solomon codes items' encoded Transfer body
// into dataShards+erasureParityShards pieces and unicasts each as its
// own ErasureTransfer envelope, so the receiver can reconstruct from
// any dataShards of the total even if some frames are lost in transit.
func (e *Engine) sendErasureTransfer(peer types.NodeID, items []types.DataItem) error {
	inner, err := codec.EncodeBody(codec.Envelope{Payload: codec.Transfer{Items: items}})
	if err != nil {
		return fmt.Errorf("dissemination: encode transfer body: %w", err)
	}

	dataShards := len(items)
	if dataShards > 255-erasureParityShards {
		dataShards = 255 - erasureParityShards // ErasureTransfer.DataShards is a byte
	}
	enc, err := reedsolomon.New(dataShards, erasureParityShards)
	if err != nil {
		return fmt.Errorf("dissemination: new reedsolomon encoder: %w", err)
	}
	shards, err := enc.Split(inner)
	if err != nil {
		return fmt.Errorf("dissemination: split shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("dissemination: encode parity shards: %w", err)
	}

	transferID := atomic.AddUint64(&e.transferSeq, 1)
	var firstErr error
	for i, shard := range shards {
		payload := codec.ErasureTransfer{
			TransferID:   transferID,
			ShardIndex:   byte(i),
			DataShards:   byte(dataShards),
			ParityShards: byte(erasureParityShards),
			OriginalLen:  uint32(len(inner)),
			Shard:        shard,
		}
		body, err := codec.EncodeBody(codec.Envelope{ID: shardEnvelopeID(transferID, byte(i)), Payload: payload})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.sink.Unicast(peer, body); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// assembleErasureShard records one shard and, once enough of the
// batch's shards have arrived to reconstruct (any dataShards of the
// dataShards+parityShards total), returns the decoded item list. It
// returns (nil, nil) while still waiting on more shards.
func (e *Engine) assembleErasureShard(p codec.ErasureTransfer) ([]types.DataItem, error) {
	e.pendingMu.Lock()
	e.evictStaleAssemblies()

	asm, ok := e.pending[p.TransferID]
	if !ok {
		asm = &erasureAssembly{
			dataShards:   int(p.DataShards),
			parityShards: int(p.ParityShards),
			originalLen:  int(p.OriginalLen),
			shards:       make([][]byte, int(p.DataShards)+int(p.ParityShards)),
			createdAt:    time.Now(),
		}
		e.pending[p.TransferID] = asm
	}
	if int(p.ShardIndex) >= len(asm.shards) {
		e.pendingMu.Unlock()
		return nil, fmt.Errorf("shard index %d out of range for %d total shards", p.ShardIndex, len(asm.shards))
	}
	if asm.shards[p.ShardIndex] == nil {
		asm.shards[p.ShardIndex] = p.Shard
		asm.have++
	}
	if asm.have < asm.dataShards {
		e.pendingMu.Unlock()
		return nil, nil
	}
	delete(e.pending, p.TransferID)
	e.pendingMu.Unlock()

	enc, err := reedsolomon.New(asm.dataShards, asm.parityShards)
	if err != nil {
		return nil, fmt.Errorf("new reedsolomon decoder: %w", err)
	}
	if ok, _ := enc.Verify(asm.shards); !ok {
		if err := enc.Reconstruct(asm.shards); err != nil {
			return nil, fmt.Errorf("reconstruct shards: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, asm.shards, asm.originalLen); err != nil {
		return nil, fmt.Errorf("join shards: %w", err)
	}
	env, err := codec.Decode(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode reconstructed transfer: %w", err)
	}
	transfer, ok := env.Payload.(codec.Transfer)
	if !ok {
		return nil, fmt.Errorf("reconstructed envelope is not a Transfer (tag %T)", env.Payload)
	}
	return transfer.Items, nil
}

// evictStaleAssemblies drops partial transfers that never finished
// assembling within erasureAssemblyTTL. Caller holds pendingMu.
func (e *Engine) evictStaleAssemblies() {
	cutoff := time.Now().Add(-erasureAssemblyTTL)
	for id, asm := range e.pending {
		if asm.createdAt.Before(cutoff) {
			delete(e.pending, id)
		}
	}
}
