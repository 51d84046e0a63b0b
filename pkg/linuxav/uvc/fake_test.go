package uvc

import (
	"encoding/binary"
	"slices"
)

type xuCall struct {
	unit     uint8
	selector Selector
	query    Query
	data     []byte
}

// fakeXU answers extension unit requests from per-selector records.
// SET_CUR stores the payload as the next GET_CUR reply.
type fakeXU struct {
	calls []xuCall
	cur   map[Selector][]byte
	def   map[Selector][]byte
	fail  map[Selector]error
	onSet func(sel Selector, data []byte)
}

func newFakeXU() *fakeXU {
	return &fakeXU{
		cur:  map[Selector][]byte{},
		def:  map[Selector][]byte{},
		fail: map[Selector]error{},
	}
}

func (f *fakeXU) QueryControl(unit, selector, query uint8, data []byte) error {
	sel := Selector(selector)
	f.calls = append(f.calls, xuCall{unit: unit, selector: sel, query: Query(query), data: slices.Clone(data)})
	if err := f.fail[sel]; err != nil {
		return err
	}
	switch Query(query) {
	case SetCur:
		stored := slices.Clone(data)
		if f.onSet != nil {
			f.onSet(sel, stored)
		}
		f.cur[sel] = stored
	case GetDef:
		copy(data, f.def[sel])
	default:
		copy(data, f.cur[sel])
	}
	return nil
}

func (f *fakeXU) sequence() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, c.selector.String()+" "+c.query.String())
	}
	return out
}

func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

type stubLocator struct {
	unit  uint8
	calls int
}

func (s *stubLocator) LocateH264Unit() uint8 {
	s.calls++
	return s.unit
}
