package network

import (
	"fmt"
	"strconv"
	"strings"
)

// RoutingMark represents a firewall mark used for policy routing.
// Marks are set on packets by nftables and matched by ip rule.
type RoutingMark uint32

// Mark layout (low 16 bits): the high byte is the category, the low byte the
// index within the category.
const (
	MarkCategorySegment RoutingMark = 0x05 // Segment routing (0x05XX)

	MarkMaskCategory RoutingMark = 0xFF00
	MarkMaskIndex    RoutingMark = 0x00FF
	MarkMaskFull     RoutingMark = 0xFFFF

	MarkSegmentBase RoutingMark = MarkCategorySegment << 8
)

// Category returns the category byte of the mark.
func (m RoutingMark) Category() RoutingMark {
	return (m & MarkMaskCategory) >> 8
}

// Index returns the index within the category.
func (m RoutingMark) Index() int {
	return int(m & MarkMaskIndex)
}

func (m RoutingMark) String() string {
	return fmt.Sprintf("0x%04x", uint32(m))
}

// ParseRoutingMark parses a mark in hex (0x...) or decimal.
func ParseRoutingMark(s string) (RoutingMark, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid routing mark %q: %w", s, err)
	}
	return RoutingMark(v), nil
}

// RoutingTable represents a routing table ID.
type RoutingTable int

// Well-known routing tables.
const (
	TableMain    RoutingTable = 254
	TableLocal   RoutingTable = 255
	TableDefault RoutingTable = 253
)
