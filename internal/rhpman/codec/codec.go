// Package codec implements the length-delimited, tagged-union wire
// envelope of spec.md §4.C: a small binary format shared by every
// message the engine sends or receives. Encoding is deterministic and
// self-delimiting; any length or tag the decoder does not recognise
// causes the frame to be dropped (the caller logs it at debug level,
// per spec.md §7's "transient peer error" handling — this package
// only reports the error, it never logs).
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// Tag identifies which payload variant an envelope carries.
type Tag byte

const (
	TagPing Tag = iota + 1
	TagReplicaAnnounce
	TagElection
	TagFitness
	TagModeChange
	TagStore
	TagRequest
	TagResponse
	TagTransfer
	TagErasureTransfer
)

// Payload is implemented by every message variant of spec.md §4.C.
type Payload interface {
	Tag() Tag
}

// Ping is a hop-limited neighborhood beacon.
type Ping struct{ Delivery float64 }

func (Ping) Tag() Tag { return TagPing }

// ReplicaAnnounce announces "I am a replica holder".
type ReplicaAnnounce struct{}

func (ReplicaAnnounce) Tag() Tag { return TagReplicaAnnounce }

// Election starts an election.
type Election struct{}

func (Election) Tag() Tag { return TagElection }

// Fitness is an election ballot.
type Fitness struct{ Value float64 }

func (Fitness) Tag() Tag { return TagFitness }

// ModeChange announces a role transition.
type ModeChange struct {
	Old types.NodeID
	New types.NodeID
}

func (ModeChange) Tag() Tag { return TagModeChange }

// Store disseminates an item.
type Store struct{ Item types.DataItem }

func (Store) Tag() Tag { return TagStore }

// Request is a lookup request.
type Request struct {
	DataID    uint64
	Requestor types.NodeID
	Sigma     float64
}

func (Request) Tag() Tag { return TagRequest }

// Response answers a Request.
type Response struct {
	RequestID types.MessageID
	Item      types.DataItem
}

func (Response) Tag() Tag { return TagResponse }

// Transfer hands off a batch of items (buffer carrier forwarding).
type Transfer struct{ Items []types.DataItem }

func (Transfer) Tag() Tag { return TagTransfer }

// ErasureTransfer carries one Reed-Solomon shard of a larger carrier
// forward. internal/rhpman/dissemination splits an encoded Transfer
// body into DataShards+ParityShards pieces and sends each as its own
// envelope, so the loss of a few individual frames on a lossy hop
// still lets the receiver reconstruct the batch once enough shards
// (any DataShards of the total) have arrived.
type ErasureTransfer struct {
	TransferID   uint64
	ShardIndex   byte
	DataShards   byte
	ParityShards byte
	OriginalLen  uint32
	Shard        []byte
}

func (ErasureTransfer) Tag() Tag { return TagErasureTransfer }

// Envelope wraps a Payload with the fields common to every message.
type Envelope struct {
	ID          types.MessageID
	TimestampMs uint64
	Payload     Payload
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var zstdDecoder, _ = zstd.NewReader(nil)

// Encode serializes env into a self-delimiting byte slice: a 4-byte
// big-endian length prefix followed by the body. It is for transports
// that read a continuous byte stream and must delimit frames
// themselves with nothing but the codec's own framing. Store and
// Transfer item payload bytes are zstd-compressed before framing
// since MANET links are bandwidth constrained. pkg/routing carries
// its own per-frame hop metadata ahead of the body and therefore
// calls EncodeBody directly rather than this function, but Encode
// remains the self-contained form for any simpler stream consumer.
func Encode(env Envelope) ([]byte, error) {
	body, err := encodeBody(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// EncodeBody serializes env without the 4-byte length prefix, for
// message-oriented transports (pkg/simnet, and any datagram-style
// Routing collaborator) where each call already delivers exactly one
// discrete message and no further delimiting is needed. Decode
// expects exactly this form.
func EncodeBody(env Envelope) ([]byte, error) {
	return encodeBody(env)
}

func encodeBody(env Envelope) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, uint64(env.ID))
	buf = appendUint64(buf, env.TimestampMs)
	if env.Payload == nil {
		return nil, fmt.Errorf("codec: envelope has no payload")
	}
	buf = append(buf, byte(env.Payload.Tag()))

	switch p := env.Payload.(type) {
	case Ping:
		buf = appendFloat64(buf, p.Delivery)
	case ReplicaAnnounce:
	case Election:
	case Fitness:
		buf = appendFloat64(buf, p.Value)
	case ModeChange:
		buf = appendUint32(buf, uint32(p.Old))
		buf = appendUint32(buf, uint32(p.New))
	case Store:
		b, err := encodeItem(p.Item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	case Request:
		buf = appendUint64(buf, p.DataID)
		buf = appendUint32(buf, uint32(p.Requestor))
		buf = appendFloat64(buf, p.Sigma)
	case Response:
		buf = appendUint64(buf, uint64(p.RequestID))
		b, err := encodeItem(p.Item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	case Transfer:
		buf = appendUint32(buf, uint32(len(p.Items)))
		for _, item := range p.Items {
			b, err := encodeItem(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
	case ErasureTransfer:
		buf = appendUint64(buf, p.TransferID)
		buf = append(buf, p.ShardIndex, p.DataShards, p.ParityShards)
		buf = appendUint32(buf, p.OriginalLen)
		buf = appendUint32(buf, uint32(len(p.Shard)))
		buf = append(buf, p.Shard...)
	default:
		return nil, fmt.Errorf("codec: unknown payload type %T", env.Payload)
	}
	return buf, nil
}

// encodeItem writes a length-prefixed, zstd-compressed DataItem.
func encodeItem(item types.DataItem) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(item.Payload, nil)
	buf := make([]byte, 0, 16+len(compressed))
	buf = appendUint64(buf, item.ID)
	buf = appendUint32(buf, uint32(item.Owner))
	buf = appendUint32(buf, uint32(len(compressed)))
	buf = append(buf, compressed...)
	return buf, nil
}

func decodeItem(b []byte) (types.DataItem, []byte, error) {
	if len(b) < 16 {
		return types.DataItem{}, nil, fmt.Errorf("codec: truncated item header")
	}
	id := binary.BigEndian.Uint64(b[0:8])
	owner := binary.BigEndian.Uint32(b[8:12])
	n := binary.BigEndian.Uint32(b[12:16])
	rest := b[16:]
	if uint32(len(rest)) < n {
		return types.DataItem{}, nil, fmt.Errorf("codec: truncated item payload")
	}
	compressed := rest[:n]
	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return types.DataItem{}, nil, fmt.Errorf("codec: decompress item: %w", err)
	}
	return types.DataItem{ID: id, Owner: types.NodeID(owner), Payload: payload}, rest[n:], nil
}

// Decode parses a single frame previously produced by Encode — just
// the body, without the 4-byte length prefix (the caller is
// responsible for delimiting frames on the wire; see pkg/routing).
func Decode(body []byte) (Envelope, error) {
	if len(body) < 17 {
		return Envelope{}, fmt.Errorf("codec: frame too short (%d bytes)", len(body))
	}
	id := types.MessageID(binary.BigEndian.Uint64(body[0:8]))
	ts := binary.BigEndian.Uint64(body[8:16])
	tag := Tag(body[16])
	rest := body[17:]

	var payload Payload
	var err error
	switch tag {
	case TagPing:
		v, r, e := takeFloat64(rest)
		rest, err = r, e
		payload = Ping{Delivery: v}
	case TagReplicaAnnounce:
		payload = ReplicaAnnounce{}
	case TagElection:
		payload = Election{}
	case TagFitness:
		v, r, e := takeFloat64(rest)
		rest, err = r, e
		payload = Fitness{Value: v}
	case TagModeChange:
		if len(rest) < 8 {
			return Envelope{}, fmt.Errorf("codec: truncated ModeChange")
		}
		old := types.NodeID(binary.BigEndian.Uint32(rest[0:4]))
		neu := types.NodeID(binary.BigEndian.Uint32(rest[4:8]))
		payload = ModeChange{Old: old, New: neu}
	case TagStore:
		item, r, e := decodeItem(rest)
		rest, err = r, e
		payload = Store{Item: item}
	case TagRequest:
		if len(rest) < 20 {
			return Envelope{}, fmt.Errorf("codec: truncated Request")
		}
		dataID := binary.BigEndian.Uint64(rest[0:8])
		requestor := types.NodeID(binary.BigEndian.Uint32(rest[8:12]))
		sigma := math.Float64frombits(binary.BigEndian.Uint64(rest[12:20]))
		payload = Request{DataID: dataID, Requestor: requestor, Sigma: sigma}
	case TagResponse:
		if len(rest) < 8 {
			return Envelope{}, fmt.Errorf("codec: truncated Response")
		}
		reqID := types.MessageID(binary.BigEndian.Uint64(rest[0:8]))
		item, r, e := decodeItem(rest[8:])
		rest, err = r, e
		payload = Response{RequestID: reqID, Item: item}
	case TagTransfer:
		if len(rest) < 4 {
			return Envelope{}, fmt.Errorf("codec: truncated Transfer count")
		}
		n := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		items := make([]types.DataItem, 0, n)
		for i := uint32(0); i < n; i++ {
			var item types.DataItem
			item, rest, err = decodeItem(rest)
			if err != nil {
				break
			}
			items = append(items, item)
		}
		payload = Transfer{Items: items}
	case TagErasureTransfer:
		if len(rest) < 19 {
			return Envelope{}, fmt.Errorf("codec: truncated ErasureTransfer header")
		}
		transferID := binary.BigEndian.Uint64(rest[0:8])
		shardIndex := rest[8]
		dataShards := rest[9]
		parityShards := rest[10]
		originalLen := binary.BigEndian.Uint32(rest[11:15])
		n := binary.BigEndian.Uint32(rest[15:19])
		rest = rest[19:]
		if uint32(len(rest)) < n {
			return Envelope{}, fmt.Errorf("codec: truncated ErasureTransfer shard")
		}
		shard := append([]byte(nil), rest[:n]...)
		rest = rest[n:]
		payload = ErasureTransfer{
			TransferID:   transferID,
			ShardIndex:   shardIndex,
			DataShards:   dataShards,
			ParityShards: parityShards,
			OriginalLen:  originalLen,
			Shard:        shard,
		}
	default:
		return Envelope{}, fmt.Errorf("codec: unrecognised tag %d", tag)
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, TimestampMs: ts, Payload: payload}, nil
}

func takeFloat64(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("codec: truncated float64")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:8])), b[8:], nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	return appendUint64(buf, math.Float64bits(v))
}
