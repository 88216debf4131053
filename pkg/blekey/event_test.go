package blekey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventPayload(ts [6]byte, code byte) []byte {
	p := []byte{0x34, 0x12, 0xFF, 0x78, 0x56}
	p = append(p, ts[:]...)
	return append(p, code)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(2, eventPayload([6]byte{0x24, 0x03, 0x15, 0x09, 0x41, 0x07}, 1))
	require.NoError(t, err)

	assert.Equal(t, 2, ev.Index)
	assert.Equal(t, uint16(0x1234), ev.KeyID)
	assert.Equal(t, uint16(0x5678), ev.LockID)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 41, 7, 0, time.UTC), ev.Time)
	assert.Equal(t, byte(1), ev.Code)
	assert.Equal(t, "Open Success", ev.Name)
}

func TestDecodeEventUnknownCode(t *testing.T) {
	ev, err := DecodeEvent(1, eventPayload([6]byte{0x24, 0x01, 0x01, 0x00, 0x00, 0x00}, 200))
	require.NoError(t, err)
	assert.Equal(t, "Unknown (200)", ev.Name)
}

func TestDecodeEventMalformed(t *testing.T) {
	tests := []struct {
		name string
		ts   [6]byte
	}{
		{"nibble above nine", [6]byte{0x24, 0x0A, 0x15, 0x09, 0x41, 0x07}},
		{"high nibble above nine", [6]byte{0x24, 0x03, 0x15, 0xA9, 0x41, 0x07}},
		{"month zero", [6]byte{0x24, 0x00, 0x15, 0x09, 0x41, 0x07}},
		{"month thirteen", [6]byte{0x24, 0x13, 0x15, 0x09, 0x41, 0x07}},
		{"february thirtieth", [6]byte{0x24, 0x02, 0x30, 0x09, 0x41, 0x07}},
		{"hour 24", [6]byte{0x24, 0x03, 0x15, 0x24, 0x41, 0x07}},
		{"second 60", [6]byte{0x24, 0x03, 0x15, 0x09, 0x41, 0x60}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(1, eventPayload(tt.ts, 1))
			assert.ErrorIs(t, err, ErrMalformedTimestamp)
			assert.True(t, RecordFailure(err))
		})
	}
}

func TestDecodeEventLeapDay(t *testing.T) {
	ev, err := DecodeEvent(1, eventPayload([6]byte{0x24, 0x02, 0x29, 0x23, 0x59, 0x59}, 17))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), ev.Time)
	assert.Equal(t, "Lock Locked", ev.Name)
}

func TestDecodeEventShort(t *testing.T) {
	_, err := DecodeEvent(1, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestEventJSON(t *testing.T) {
	ev := Event{Index: 3, Time: time.Date(2023, 12, 1, 8, 5, 0, 0, time.UTC), LockID: 7, KeyID: 9, Code: 2, Name: "Open Fail"}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "2023-12-01 08:05:00", m["time"])
	assert.Equal(t, float64(3), m["pos"])
	assert.Equal(t, float64(7), m["lockId"])
	assert.Equal(t, float64(9), m["keyId"])
	assert.Equal(t, float64(2), m["event"])
	assert.Equal(t, "Open Fail", m["eventName"])
}

func TestDecodeKeyInfo(t *testing.T) {
	payload := []byte{0x34, 0x12, 0x50, 0x42, 0x00, 0x99, 0x6D, 0x01, 0x01, 87}
	info, err := DecodeKeyInfo(payload)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), info.KeyID)
	assert.Equal(t, byte(0x50), info.KeyType)
	assert.Equal(t, "User", info.KeyTypeName)
	assert.Equal(t, uint16(0x0042), info.GroupID)
	assert.Equal(t, uint16(365), info.VerifyDay)
	assert.True(t, info.IsBLEOnline)
	require.NotNil(t, info.Power)
	assert.Equal(t, 87, *info.Power)
}

func TestDecodeKeyInfoUnknownPower(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x99, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF}
	info, err := DecodeKeyInfo(payload)
	require.NoError(t, err)
	assert.Nil(t, info.Power)
	assert.Equal(t, "0x99", info.KeyTypeName)
	assert.False(t, info.IsBLEOnline)

	_, err = DecodeKeyInfo(payload[:9])
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeVersion(t *testing.T) {
	assert.Equal(t, "B03009V301", DecodeVersion([]byte("B03009V301\x00\x00")))
	assert.Equal(t, "V1", DecodeVersion([]byte{'V', '1', 0xC8, 'X'}))
	assert.Equal(t, "", DecodeVersion(nil))
}

func TestDecodeEventCount(t *testing.T) {
	n, err := DecodeEventCount([]byte{0x03, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 259, n)

	_, err = DecodeEventCount([]byte{0x03})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	assert.Equal(t, []byte{0x04, 0x00}, EncodeEventIndex(4))
}
