package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstream/rstream/internal/iobuf"
)

func TestHeader_RoundTrip(t *testing.T) {
	cases := []Header{
		func() Header { h := NewHeader(); h.Cmd = CmdList; return h }(),
		func() Header {
			h := NewHeader()
			h.Cmd = CmdStream
			h.Path = "logs/app.log"
			h.Offset = 1234
			return h
		}(),
		func() Header {
			h := NewHeader()
			h.Packet = PacketBlock
			h.Path = "a.log"
			h.Offset = 0
			h.Size = 42
			h.Gzip = true
			return h
		}(),
		func() Header {
			h := NewHeader()
			h.Packet = PacketStatus
			h.Path = "a.log"
			h.Status = StatusComplete
			return h
		}(),
		func() Header {
			h := NewHeader()
			h.Status = StatusError
			return h
		}(),
	}

	for _, want := range cases {
		got, err := ParseHeader(want.Encode())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestHeader_EncodeQuotesNumbers(t *testing.T) {
	h := NewHeader()
	h.Packet = PacketBlock
	h.Path = "f"
	h.Offset = 7
	h.Size = 3
	assert.Equal(t, `{"p":"b","f":"f","o":"7","s":"3"}`, string(h.Encode()))
}

func TestParseHeader_AcceptsBareNumbers(t *testing.T) {
	h, err := ParseHeader([]byte(`{"p":"b","f":"x","o":99,"s":0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(99), h.Offset)
	assert.Equal(t, int64(0), h.Size)
}

func TestParseHeader_EscapedPath(t *testing.T) {
	h, err := ParseHeader([]byte(`{"f":"we\"ird"}`))
	require.NoError(t, err)
	assert.Equal(t, `we"ird`, h.Path)
}

func TestDecode_WaitsForHeader(t *testing.T) {
	buf := iobuf.New(1024)
	buf.Add([]byte(`{"cmd":"LI`))

	msg, err := Decode(buf)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 10, buf.Len(), "incomplete header must stay buffered")

	buf.Add([]byte(`ST"}`))
	msg, err = Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, CmdList, msg.Header.Cmd)
	assert.Equal(t, 0, buf.Len())
}

func TestDecode_WaitsForPayload(t *testing.T) {
	buf := iobuf.New(1024)
	h := NewHeader()
	h.Packet = PacketBlock
	h.Path = "a"
	h.Offset = 0
	frame := EncodeMessage(h, []byte("0123456789"))

	buf.Add(frame[:len(frame)-4])
	msg, err := Decode(buf)
	require.NoError(t, err)
	assert.Nil(t, msg, "partial payload must not decode")

	buf.Add(frame[len(frame)-4:])
	msg, err = Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("0123456789"), msg.Payload)
	assert.Equal(t, 0, buf.Len())
}

func TestDecode_Pipelined(t *testing.T) {
	buf := iobuf.New(1024)
	h1 := NewHeader()
	h1.Cmd = CmdList
	h2 := NewHeader()
	h2.Packet = PacketBlock
	h2.Path = "x"
	h2.Offset = 5
	buf.Add(EncodeMessage(h1, nil))
	buf.Add(EncodeMessage(h2, []byte("abc")))

	msg, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, CmdList, msg.Header.Cmd)

	msg, err = Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("abc"), msg.Payload)
	assert.Equal(t, int64(5), msg.Header.Offset)
}

func TestDecode_OversizedHeader(t *testing.T) {
	buf := iobuf.New(1024)
	junk := make([]byte, MaxHeaderLen+1)
	for i := range junk {
		junk[i] = 'a'
	}
	buf.Add(junk)
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecode_Garbage(t *testing.T) {
	buf := iobuf.New(1024)
	buf.Add([]byte("not json at all}"))
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestList_RoundTrip(t *testing.T) {
	want := FileList{
		"app.log":        {Size: 1024, Hash: "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		"sub/other.log":  {Size: 0},
		"old/deleted.lg": {Size: DeletedSize},
	}
	got, err := ParseList(EncodeList(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestList_EncodeTombstone(t *testing.T) {
	payload := EncodeList(FileList{"gone": {Size: DeletedSize}})
	assert.Equal(t, `{"gone":{"s":"-1"}}`, string(payload))
}

func TestList_AcceptsBareNumbers(t *testing.T) {
	got, err := ParseList([]byte(`{"a":{"s":12},"b":{"s":-1}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(12), got["a"].Size)
	assert.Equal(t, int64(DeletedSize), got["b"].Size)
}

func TestGzip_RoundTrip(t *testing.T) {
	data := []byte("compress me, compress me, compress me")
	z, err := Compress(data)
	require.NoError(t, err)
	out, err := Decompress(z)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestGzip_RejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)
}
