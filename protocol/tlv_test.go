package protocol

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf)

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+5+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, rest, err := TakeWary('B', rest)
	assert.Nil(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	body3, rest, err := TakeWary('C', rest)
	assert.Nil(t, err)
	assert.Equal(t, c256[:], body3)
	assert.Empty(t, rest)
}

func TestTakeWaryErrors(t *testing.T) {
	rec := Record('E', []byte("edit"))
	_, rest, err := TakeWary('E', rec[:3])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, rec[:3], rest)

	_, _, err = TakeWary('Q', rec)
	assert.ErrorIs(t, err, ErrBadRecord)

	_, _, _, err = TakeAnyWary([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadRecord)

	_, _, _, err = TakeAnyWary(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestOpenCloseHeader(t *testing.T) {
	buf := []byte{}
	bm, buf := OpenHeader(buf, 'N')
	buf = append(buf, "some text"...)
	CloseHeader(buf, bm)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('N'), lit)
	assert.Equal(t, "some text", string(body))
	assert.Empty(t, rest)
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
	body, rest := Take('X', tiny)
	assert.Equal(t, "12", string(body))
	assert.Empty(t, rest)
}

func TestEach(t *testing.T) {
	data := Concat(Record('A', []byte("1")), Record('B', []byte("22")), Record('C'))
	var lits []byte
	err := Each(data, func(lit byte, body []byte) error {
		lits = append(lits, lit)
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, "ABC", string(lits))

	err = Each(data[:len(data)-1], func(byte, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestZipUint64(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xff, 0x100, 0xffff, 0x10000, 0xffffffff, 1 << 40} {
		zip := ZipUint64(v)
		back, ok := UnzipUint64(zip)
		assert.True(t, ok)
		assert.Equal(t, v, back)
	}
	assert.Len(t, ZipUint64(0), 0)
	assert.Len(t, ZipUint64(300), 2)
	_, ok := UnzipUint64([]byte{1, 2, 3})
	assert.False(t, ok)
}

type sliceFeeder struct {
	batches []Records
}

func (f *sliceFeeder) Feed(ctx context.Context) (Records, error) {
	if len(f.batches) == 0 {
		return nil, io.EOF
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func TestPump(t *testing.T) {
	feeder := &sliceFeeder{batches: []Records{
		{[]byte("a"), []byte("b")},
		{[]byte("c")},
	}}
	var got Records
	drain := DrainFunc(func(ctx context.Context, recs Records) error {
		got = append(got, recs.Clone()...)
		return nil
	})
	assert.Nil(t, Pump(context.Background(), feeder, drain))
	assert.Equal(t, Records{[]byte("a"), []byte("b"), []byte("c")}, got)
	assert.Equal(t, int64(3), got.TotalLen())
}

func TestSplitTLV(t *testing.T) {
	one := Record('E', Record('K', []byte("edit-1")))
	two := Record('Q', Record('N', ZipUint64(2)))
	three := Record('E', bytes.Repeat([]byte{'x'}, 300))

	var buf bytes.Buffer
	buf.Write(one)
	buf.Write(two)
	buf.Write(three[:10])
	recs, err := Split(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Records{one, two}, recs)
	assert.Equal(t, 10, buf.Len())

	buf.Write(three[10:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Records{three}, recs)
	assert.Zero(t, buf.Len())

	buf.Write([]byte{'?', 1, 2})
	_, err = Split(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}
