package wire

import (
	"fmt"

	"github.com/brineport/mdht/internal/kademlia"
)

// Field names are fixed by §4.2 and never change across message kinds.
const (
	FieldY        = "y"
	FieldQ        = "q"
	FieldR        = "r"
	FieldE        = "e"
	FieldT        = "t"
	FieldA        = "a"
	FieldV        = "v"
	FieldID       = "id"
	FieldTarget   = "target"
	FieldInfoHash = "info_hash"
	FieldToken    = "token"
	FieldNodes6   = "nodes6"
)

// Message kind tags (the "y" field).
const (
	KindQuery    = "q"
	KindResponse = "r"
	KindError    = "e"
)

// Query method names (the "q" field).
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// TokenPlaceholder is the fixed get_peers token this implementation issues,
// since it does not maintain a real per-querier token store (§4.7, §9 Open
// Questions: the source has no authenticated tokens either).
var TokenPlaceholder = []byte("tok")

// ErrUnknownMethodCode/ErrUnknownMethodText are the code/message pair used
// for the "method unknown" error response.
const (
	ErrUnknownMethodCode = 204
	ErrUnknownMethodText = "Method Unknown"
)

func idDict(id kademlia.Id) *Dict {
	return (&Dict{}).Set(FieldID, Str(id.Bytes()))
}

func withVersion(d *Dict) *Dict {
	return d.Set(FieldV, Str(Self[:]))
}

// PingQuery builds a ping query message.
func PingQuery(txid []byte, id kademlia.Id) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindQuery))
	d.Set(FieldQ, Str(MethodPing))
	d.Set(FieldA, idDict(id))
	return Encode(d)
}

// PingResponse builds a ping response message.
func PingResponse(txid []byte, id kademlia.Id) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindResponse))
	d.Set(FieldR, idDict(id))
	return Encode(d)
}

// FindNodeQuery builds a find_node query message.
func FindNodeQuery(txid []byte, id, target kademlia.Id) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindQuery))
	d.Set(FieldQ, Str(MethodFindNode))
	args := idDict(id).Set(FieldTarget, Str(target.Bytes()))
	d.Set(FieldA, args)
	return Encode(d)
}

// FindNodeResponse builds a find_node response message carrying an already
// compact-info-list-encoded nodes6 payload.
func FindNodeResponse(txid []byte, id kademlia.Id, nodes6 []byte) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindResponse))
	r := idDict(id).Set(FieldNodes6, Str(nodes6))
	d.Set(FieldR, r)
	return Encode(d)
}

// GetPeersResponse builds a get_peers response message. This implementation
// never maintains a real info-hash peer list, so the response always carries
// the closest-peers nodes6 payload and a placeholder token (§4.7, §9).
func GetPeersResponse(txid []byte, id kademlia.Id, token, nodes6 []byte) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindResponse))
	r := idDict(id).Set(FieldToken, Str(token)).Set(FieldNodes6, Str(nodes6))
	d.Set(FieldR, r)
	return Encode(d)
}

// AnnouncePeerResponse builds an announce_peer acknowledgement. Nothing is
// recorded server-side (§4.7, §9 Open Questions).
func AnnouncePeerResponse(txid []byte, id kademlia.Id) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindResponse))
	d.Set(FieldR, idDict(id))
	return Encode(d)
}

// ErrorUnknownMethod builds the "method unknown" error response (code 204).
func ErrorUnknownMethod(txid []byte) []byte {
	d := withVersion(&Dict{})
	d.Set(FieldT, Str(txid))
	d.Set(FieldY, Str(KindError))
	d.Set(FieldE, List{Int(ErrUnknownMethodCode), Str(ErrUnknownMethodText)})
	return Encode(d)
}

// Query is a decoded inbound query message.
type Query struct {
	Txid     []byte
	Method   string
	ID       kademlia.Id
	Target   kademlia.Id
	InfoHash kademlia.Id
}

// Response is a decoded inbound response message.
type Response struct {
	Txid   uint64
	ID     kademlia.Id
	Nodes6 []byte
	Token  []byte
}

// ErrorReply is a decoded inbound error message.
type ErrorReply struct {
	Txid    uint64
	Code    int64
	Message string
}

// Message is the decoded tagged union over {query, response, error} (§3).
// Exactly one of Query, Response, Err is non-nil, selected by Kind.
type Message struct {
	Kind     string
	Version  Version
	HasVer   bool
	Query    *Query
	Response *Response
	Err      *ErrorReply
}

// Parse decodes a raw datagram into a Message, enforcing the §4.2
// allocation cap via maxAllocs.
func Parse(buf []byte, maxAllocs int) (*Message, error) {
	v, err := Decode(buf, maxAllocs)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindDict {
		return nil, fmt.Errorf("%w: top-level value is not a dict", ErrInvalidBencode)
	}
	y, ok := v.GetStr(FieldY)
	if !ok {
		return nil, fmt.Errorf("wire: missing y field")
	}
	msg := &Message{Kind: string(y)}
	if ver, ok := v.GetStr(FieldV); ok {
		if parsed, ok := ParseVersion(ver); ok {
			msg.Version = parsed
			msg.HasVer = true
		}
	}

	switch string(y) {
	case KindQuery:
		q, err := parseQuery(v)
		if err != nil {
			return nil, err
		}
		msg.Query = q
	case KindResponse:
		r, err := parseResponse(v)
		if err != nil {
			return nil, err
		}
		msg.Response = r
	case KindError:
		e, err := parseError(v)
		if err != nil {
			return nil, err
		}
		msg.Err = e
	default:
		return nil, fmt.Errorf("wire: unrecognized y value %q", y)
	}
	return msg, nil
}

func txidBytes(v Value) ([]byte, error) {
	t, ok := v.GetStr(FieldT)
	if !ok {
		return nil, fmt.Errorf("wire: missing t field")
	}
	return t, nil
}

func parseID(args Value) (kademlia.Id, error) {
	raw, ok := args.GetStr(FieldID)
	if !ok {
		return kademlia.Id{}, fmt.Errorf("wire: missing id field")
	}
	return kademlia.FromBytes(raw)
}

func parseQuery(v Value) (*Query, error) {
	t, err := txidBytes(v)
	if err != nil {
		return nil, err
	}
	q, ok := v.GetStr(FieldQ)
	if !ok {
		return nil, fmt.Errorf("wire: missing q field")
	}
	args, ok := v.GetDict(FieldA)
	if !ok {
		return nil, fmt.Errorf("wire: missing a field")
	}
	id, err := parseID(args)
	if err != nil {
		return nil, err
	}
	out := &Query{Txid: t, Method: string(q), ID: id}
	if raw, ok := args.GetStr(FieldTarget); ok {
		target, err := kademlia.FromBytes(raw)
		if err == nil {
			out.Target = target
		}
	}
	if raw, ok := args.GetStr(FieldInfoHash); ok {
		ih, err := kademlia.FromBytes(raw)
		if err == nil {
			out.InfoHash = ih
		}
	}
	return out, nil
}

func parseResponse(v Value) (*Response, error) {
	t, err := txidBytes(v)
	if err != nil {
		return nil, err
	}
	txid, err := TxidToUint64(t)
	if err != nil {
		return nil, err
	}
	r, ok := v.GetDict(FieldR)
	if !ok {
		return nil, fmt.Errorf("wire: missing r field")
	}
	id, err := parseID(r)
	if err != nil {
		return nil, err
	}
	out := &Response{Txid: txid, ID: id}
	if n6, ok := r.GetStr(FieldNodes6); ok {
		out.Nodes6 = n6
	}
	if tok, ok := r.GetStr(FieldToken); ok {
		out.Token = tok
	}
	return out, nil
}

func parseError(v Value) (*ErrorReply, error) {
	t, err := txidBytes(v)
	if err != nil {
		return nil, err
	}
	txid, err := TxidToUint64(t)
	if err != nil {
		return nil, err
	}
	list, ok := rawList(v, FieldE)
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("wire: malformed e field")
	}
	if list[0].Kind != KindInt || list[1].Kind != KindString {
		return nil, fmt.Errorf("wire: malformed e field")
	}
	return &ErrorReply{Txid: txid, Code: list[0].Int, Message: string(list[1].Str)}, nil
}

func rawList(v Value, key string) ([]Value, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	child, ok := v.Dict[key]
	if !ok || child.Kind != KindList {
		return nil, false
	}
	return child.List, true
}

// TxidToUint64 parses a transaction id wire encoding (a big-endian byte
// string of length <= 8) into a uint64, as used to correlate responses with
// the transaction table (§4.4).
func TxidToUint64(b []byte) (uint64, error) {
	if len(b) == 0 || len(b) > 8 {
		return 0, fmt.Errorf("wire: txid length %d out of range", len(b))
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}

// Uint64ToTxid renders a transaction counter as the minimal big-endian byte
// string, matching the encoding TxidToUint64 expects back.
func Uint64ToTxid(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	i := 8
	for n > 0 {
		i--
		tmp[i] = byte(n)
		n >>= 8
	}
	return append([]byte(nil), tmp[i:]...)
}
