// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

import "fmt"

// FilterKind selects the identifier space a hardware filter applies to.
type FilterKind uint8

// Filter kinds
const (
	FilterMask11 FilterKind = iota // standard identifiers
	FilterMask29                   // extended identifiers
)

// Filter is one hardware acceptance filter entry. A frame passes when its
// identifier equals ID in every bit set in Mask.
type Filter struct {
	Kind FilterKind
	ID   uint32
	Mask uint32
}

// Mask11 returns a standard identifier filter.
func Mask11(id, mask uint32) Filter {
	return Filter{Kind: FilterMask11, ID: id, Mask: mask}
}

// Mask29 returns an extended identifier filter.
func Mask29(id, mask uint32) Filter {
	return Filter{Kind: FilterMask29, ID: id, Mask: mask}
}

// AcceptAll is the filter list installed when a channel opens and whenever
// no bank is fully configured.
func AcceptAll() []Filter {
	return []Filter{Mask11(0, 0), Mask29(0, 0)}
}

// Match reports whether f accepts frame.
func (f Filter) Match(frame Frame) bool {
	if (f.Kind == FilterMask29) != frame.Extended {
		return false
	}
	return frame.ID&f.Mask == f.ID&f.Mask
}

func (f Filter) String() string {
	if f.Kind == FilterMask29 {
		return fmt.Sprintf("mask29(0x%08X, 0x%08X)", f.ID, f.Mask)
	}
	return fmt.Sprintf("mask11(0x%03X, 0x%03X)", f.ID, f.Mask)
}

// MatchAny reports whether any filter in the list accepts frame.
func MatchAny(filters []Filter, frame Frame) bool {
	for _, f := range filters {
		if f.Match(frame) {
			return true
		}
	}
	return false
}

// BuildFilters computes the hardware filter list of a channel from its
// banks. Every bank with both ID and mask nonzero yields one entry, in bank
// order: 11-bit when both fit in 11 bits, 29-bit otherwise. With no such
// bank the channel falls back to AcceptAll so it is never left deaf.
func BuildFilters(s *ChannelSettings) []Filter {
	banks := s.Filters()
	out := make([]Filter, 0, len(banks))
	for _, slot := range banks {
		if !slot.Complete() {
			continue
		}
		if slot.ID <= MaxStandardID && slot.Mask <= MaxStandardID {
			out = append(out, Mask11(slot.ID, slot.Mask))
		} else {
			out = append(out, Mask29(slot.ID, slot.Mask))
		}
	}
	if len(out) == 0 {
		return AcceptAll()
	}
	return out
}

// WriteFilter stores one half of a filter bank. filterNo spans both
// channels (0..27). Values are truncated to 29 bits.
//
// Hosts send the ID before the mask for a bank. Only the mask write changes
// hardware, so WriteFilter returns the affected channel and reprogram=true
// for mask writes; the caller then installs BuildFilters for that channel.
func (s *Settings) WriteFilter(filterNo int, value uint32, mask bool) (ch Channel, reprogram bool, err error) {
	ch, bank, err := BankChannel(filterNo)
	if err != nil {
		return 0, false, err
	}
	value &= MaxExtendedID

	slot := &s.channels[ch].filters[bank]
	if mask {
		slot.Mask = value
	} else {
		slot.ID = value
	}
	return ch, mask, nil
}
