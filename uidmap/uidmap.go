// Package uidmap maps message sequence numbers of the selected mailbox to UIDs.
//
// Only a window of the most recent messages is tracked, sequence numbers
// [firstSeq, firstSeq+len). Older messages are evicted when the window exceeds
// a maximum size, to bound memory and sync costs for large mailboxes.
package uidmap

import (
	"fmt"
)

// Map is the sequence number to UID index for one selected mailbox. A Map is
// not safe for concurrent use.
type Map struct {
	firstSeq uint32   // Sequence number of uids[0].
	uids     []uint32 // Zero for messages with a not yet known UID.
	count    uint32   // Number of messages in the mailbox, from EXISTS.
	max      int      // Maximum window size, 0 for no limit.
}

// New returns a map for a mailbox with count messages, of which uids are the
// UIDs of the last len(uids) messages, in sequence order. If max > 0 and more
// than max uids are given, the oldest are evicted.
func New(uids []uint32, count uint32, max int) (*Map, error) {
	if uint32(len(uids)) > count {
		return nil, fmt.Errorf("%d uids for mailbox with %d messages", len(uids), count)
	}
	m := &Map{
		firstSeq: count - uint32(len(uids)) + 1,
		uids:     append([]uint32{}, uids...),
		count:    count,
		max:      max,
	}
	if max > 0 {
		m.ShrinkToSize(max)
	}
	return m, nil
}

// UID returns the UID for seq, or 0 if seq is outside the window or its UID is
// unknown.
func (m *Map) UID(seq uint32) uint32 {
	if seq < m.firstSeq || seq-m.firstSeq >= uint32(len(m.uids)) {
		return 0
	}
	return m.uids[seq-m.firstSeq]
}

// Seq returns the sequence number for uid, or 0 if not in the window.
func (m *Map) Seq(uid uint32) uint32 {
	if uid == 0 {
		return 0
	}
	for i := len(m.uids) - 1; i >= 0; i-- {
		if m.uids[i] == uid {
			return m.firstSeq + uint32(i)
		}
	}
	return 0
}

// SetMsgUID records uid for message seq. The window is extended to include seq,
// with unknown UIDs for any gap. If the window grows beyond the maximum, the
// oldest entries are evicted.
func (m *Map) SetMsgUID(seq, uid uint32) error {
	if seq == 0 || seq > m.count {
		return fmt.Errorf("sequence number %d outside mailbox with %d messages", seq, m.count)
	}
	if len(m.uids) == 0 {
		m.firstSeq = seq
	}
	if seq < m.firstSeq {
		n := m.firstSeq - seq
		m.uids = append(make([]uint32, n), m.uids...)
		m.firstSeq = seq
	}
	for seq-m.firstSeq >= uint32(len(m.uids)) {
		m.uids = append(m.uids, 0)
	}
	m.uids[seq-m.firstSeq] = uid
	if m.max > 0 {
		m.ShrinkToSize(m.max)
	}
	return nil
}

// Remove processes an EXPUNGE of seq: the message is removed and higher
// sequence numbers shift down by one.
func (m *Map) Remove(seq uint32) error {
	if seq == 0 || seq > m.count {
		return fmt.Errorf("expunge of sequence number %d outside mailbox with %d messages", seq, m.count)
	}
	m.count--
	switch {
	case seq < m.firstSeq:
		m.firstSeq--
	case seq-m.firstSeq < uint32(len(m.uids)):
		i := seq - m.firstSeq
		m.uids = append(m.uids[:i], m.uids[i+1:]...)
	}
	if len(m.uids) == 0 {
		m.firstSeq = m.count + 1
	}
	return nil
}

// Exists processes an EXISTS response with the new message count. New messages
// at the end are added to the window with unknown UIDs, if the window ends at
// the last message. The number of new messages is returned.
func (m *Map) Exists(count uint32) (added uint32) {
	if count <= m.count {
		// Fewer messages without expunge is a server bug, truncate.
		for len(m.uids) > 0 && m.firstSeq+uint32(len(m.uids))-1 > count {
			m.uids = m.uids[:len(m.uids)-1]
		}
		m.count = count
		if len(m.uids) == 0 {
			m.firstSeq = count + 1
		}
		return 0
	}
	added = count - m.count
	if m.firstSeq+uint32(len(m.uids)) == m.count+1 {
		m.uids = append(m.uids, make([]uint32, added)...)
	}
	m.count = count
	if m.max > 0 {
		m.ShrinkToSize(m.max)
	}
	return added
}

// Missing returns the sequence numbers in the window with unknown UIDs.
func (m *Map) Missing() []uint32 {
	var l []uint32
	for i, uid := range m.uids {
		if uid == 0 {
			l = append(l, m.firstSeq+uint32(i))
		}
	}
	return l
}

// ShrinkToSize evicts the oldest entries until at most max remain. The number of
// evicted entries is returned.
func (m *Map) ShrinkToSize(max int) int {
	if max < 0 || len(m.uids) <= max {
		return 0
	}
	n := len(m.uids) - max
	m.uids = append([]uint32{}, m.uids[n:]...)
	m.firstSeq += uint32(n)
	return n
}

// Count returns the number of messages in the mailbox.
func (m *Map) Count() uint32 {
	return m.count
}

// Len returns the number of messages in the window.
func (m *Map) Len() int {
	return len(m.uids)
}

// FirstSeq returns the sequence number of the oldest message in the window.
func (m *Map) FirstSeq() uint32 {
	return m.firstSeq
}

// UIDs returns a copy of the known UIDs in the window, in sequence order.
func (m *Map) UIDs() []uint32 {
	l := make([]uint32, 0, len(m.uids))
	for _, uid := range m.uids {
		if uid != 0 {
			l = append(l, uid)
		}
	}
	return l
}
