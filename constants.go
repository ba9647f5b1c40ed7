package capture

import "github.com/google/gopacket/layers"

// DefaultSnapLen bytes kept of each packet when no snap length is given
const DefaultSnapLen = 65535

// LinkTypeUnknown reported for interfaces whose framing could not be mapped to
// a pcap-linktype(7) value. Filters cannot be compiled for it.
const LinkTypeUnknown layers.LinkType = 0xff
