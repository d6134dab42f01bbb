// Package slots maps keys to cluster hash slots.
//
// A key is hashed with CRC16 (XMODEM) modulo Count. When the key contains a
// hash tag, a "{...}" section with non-empty contents, only the contents of
// the first such section are hashed so that related keys share a slot.
package slots

// Count is the number of hash slots in a cluster.
const Count = 16384

var crcTable [256]uint16

func init() {
    for i := 0; i < 256; i++ {
        crc := uint16(i) << 8
        for j := 0; j < 8; j++ {
            if crc&0x8000 != 0 {
                crc = crc<<1 ^ 0x1021
            } else {
                crc <<= 1
            }
        }
        crcTable[i] = crc
    }
}

func crc16(p []byte) uint16 {
    var crc uint16
    for _, b := range p {
        crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
    }
    return crc
}

// HashTag returns the portion of key that is hashed.
func HashTag(key []byte) []byte {
    for i, c := range key {
        if c != '{' { continue }
        for j := i + 1; j < len(key); j++ {
            if key[j] == '}' {
                if j == i+1 { return key }
                return key[i+1 : j]
            }
        }
        return key
    }
    return key
}

// Of returns the slot of key.
func Of(key []byte) int { return int(crc16(HashTag(key)) % Count) }

// OfString returns the slot of key.
func OfString(key string) int { return Of([]byte(key)) }
