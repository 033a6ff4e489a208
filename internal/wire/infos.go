package wire

import (
	"fmt"
	"net"

	"github.com/brineport/mdht/internal/kademlia"
)

// infoRecordLen is the size in bytes of one compact (id, ipv6, port) record:
// 20 bytes of id, 16 bytes of IPv6 address, 2 bytes of big-endian port.
const infoRecordLen = 20 + 16 + 2

// EncodeInfos concatenates infos into the compact nodes6 wire format: one
// 38-byte record per entry, in iteration order, with no deduplication.
func EncodeInfos(infos []kademlia.Info) []byte {
	out := make([]byte, 0, infoRecordLen*len(infos))
	for _, info := range infos {
		out = append(out, info.ID.Bytes()...)
		ip16 := info.Addr.IP.To16()
		out = append(out, ip16...)
		port := uint16(info.Addr.Port)
		out = append(out, byte(port>>8), byte(port))
	}
	return out
}

// DecodeInfos parses the compact nodes6 wire format. It fails if the buffer
// length is not a multiple of 38 bytes (§4.3, §8).
func DecodeInfos(buf []byte) ([]kademlia.Info, error) {
	if len(buf)%infoRecordLen != 0 {
		return nil, fmt.Errorf("wire: nodes6 length %d is not a multiple of %d", len(buf), infoRecordLen)
	}
	n := len(buf) / infoRecordLen
	out := make([]kademlia.Info, 0, n)
	for i := 0; i < n; i++ {
		rec := buf[i*infoRecordLen : (i+1)*infoRecordLen]
		id, err := kademlia.FromBytes(rec[0:20])
		if err != nil {
			return nil, err
		}
		ip := make(net.IP, 16)
		copy(ip, rec[20:36])
		port := int(rec[36])<<8 | int(rec[37])
		out = append(out, kademlia.NewInfo(id, &net.UDPAddr{IP: ip, Port: port}))
	}
	return out, nil
}
