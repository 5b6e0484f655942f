package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

func testCipher(t *testing.T) *seal.Cipher {
	t.Helper()
	key, err := seal.DeriveKey("protocol test")
	require.NoError(t, err)
	c, err := seal.New(key)
	require.NoError(t, err)
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteSentinel(&buf))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	end, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.NotNil(t, end)
	assert.Empty(t, end)
}

func TestReadFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 32)))
	_, err := ReadFrame(&buf, 16)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := bytes.NewReader([]byte{0, 0, 0, 10, 1, 2})
	_, err = ReadFrame(truncated, 16)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPlausibleInfoLength(t *testing.T) {
	prefix := func(n uint32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, n)
		return b
	}
	assert.True(t, PlausibleInfoLength(prefix(120)))
	assert.True(t, PlausibleInfoLength(prefix(MaxInfoBlock)))
	assert.False(t, PlausibleInfoLength(prefix(MaxInfoBlock+1)))
	assert.False(t, PlausibleInfoLength(prefix(0)))
	assert.False(t, PlausibleInfoLength([]byte(`{"ty`)))
	assert.False(t, PlausibleInfoLength([]byte{0, 0}))
}

func TestChunker(t *testing.T) {
	c := NewChunker(4)
	chunks := c.Split([]byte("abcdefghij"))
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("ij"), chunks[2])
	assert.Equal(t, 3, c.Count(10))
	assert.Equal(t, []byte("abcdefghij"), Reassemble(chunks))
	assert.Empty(t, c.Split(nil))

	assert.Equal(t, DefaultChunkSize, NewChunker(0).Size())
}

func TestEnvelopeRoundTripPreservesHash(t *testing.T) {
	c := testCipher(t)
	body := bytes.Repeat([]byte("artifact-bytes-"), 2000)
	artifact := types.NewArtifact("model.bin", body)

	var wire bytes.Buffer
	var progress []int
	err := NewEnvelopeWriter(&wire, c, DefaultChunkSize).WriteArtifact(artifact, func(sent, total int) {
		progress = append(progress, sent)
		assert.Equal(t, NewChunker(DefaultChunkSize).Count(len(body)), total)
	})
	require.NoError(t, err)
	assert.Len(t, progress, NewChunker(DefaultChunkSize).Count(len(body)))

	r := NewEnvelopeReader(&wire, c)
	info, err := r.ReadInfo()
	require.NoError(t, err)
	assert.Equal(t, InfoFor(artifact), info)

	var got bytes.Buffer
	n, err := r.ReadChunks(info.Size, func(p []byte) error {
		got.Write(p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, info.Size, n)
	assert.Equal(t, artifact.Hash, HashBytes(got.Bytes()))
}

func TestReadInfoNormalizesHashCase(t *testing.T) {
	c := testCipher(t)
	hash := HashBytes([]byte("payload"))

	var wire bytes.Buffer
	w := NewEnvelopeWriter(&wire, c, 0)
	require.NoError(t, w.WriteInfo(Info{Name: "a", Size: 7, Hash: strings.ToUpper(hash)}))

	info, err := NewEnvelopeReader(&wire, c).ReadInfo()
	require.NoError(t, err)
	assert.Equal(t, hash, info.Hash)
}

func TestEnvelopeWrongKey(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, NewEnvelopeWriter(&wire, testCipher(t), 0).WriteArtifact(types.NewArtifact("a", []byte("x")), nil))

	otherKey, _ := seal.GenerateKey()
	other, _ := seal.New(otherKey)
	_, err := NewEnvelopeReader(&wire, other).ReadInfo()
	assert.ErrorIs(t, err, seal.ErrOpen)
}

func TestEnvelopeRejectsOversizedBody(t *testing.T) {
	c := testCipher(t)
	var wire bytes.Buffer
	w := NewEnvelopeWriter(&wire, c, 4)
	require.NoError(t, w.WriteInfo(Info{Name: "a", Size: 2, Hash: HashBytes([]byte("ab"))}))
	require.NoError(t, w.WriteChunk([]byte("abcd")))
	require.NoError(t, w.Close())

	r := NewEnvelopeReader(&wire, c)
	_, err := r.ReadInfo()
	require.NoError(t, err)
	_, err = r.ReadChunks(2, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEnvelopeReaderStopsOnCallbackError(t *testing.T) {
	c := testCipher(t)
	var wire bytes.Buffer
	require.NoError(t, NewEnvelopeWriter(&wire, c, 1).WriteArtifact(types.NewArtifact("a", []byte("abc")), nil))

	r := NewEnvelopeReader(&wire, c)
	_, err := r.ReadInfo()
	require.NoError(t, err)
	stop := errors.New("disk full")
	_, err = r.ReadChunks(-1, func([]byte) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestWriteInfoValidates(t *testing.T) {
	w := NewEnvelopeWriter(io.Discard, testCipher(t), 0)
	assert.ErrorIs(t, w.WriteInfo(Info{Name: "", Hash: HashBytes(nil)}), ErrMalformedInfo)
	assert.ErrorIs(t, w.WriteInfo(Info{Name: "a", Hash: "abc"}), ErrMalformedInfo)
	assert.ErrorIs(t, w.WriteInfo(Info{Name: "a", Hash: strings.Repeat("zz", 32)}), ErrMalformedInfo)
	assert.ErrorIs(t, w.WriteChunk(nil), ErrEmptyFrame)
}

func TestSignalRoundTrip(t *testing.T) {
	for _, s := range []Signal{
		Ping{},
		Activation{},
		ExpansionPlan{Plan: map[string]float64{"compute": 10, "memory": 20}},
		HealthCheck{},
	} {
		raw, err := MarshalSignal(s)
		require.NoError(t, err)
		got, err := UnmarshalSignal(raw)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestSignalWireFormat(t *testing.T) {
	raw, err := MarshalSignal(ExpansionPlan{Plan: map[string]float64{"compute": 10}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"expansion","plan":{"compute":10}}`, string(raw))

	raw, err = MarshalSignal(HealthCheck{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"health_check"}`, string(raw))

	s, err := UnmarshalSignal([]byte(`{"type":"expansion"}`))
	require.NoError(t, err)
	assert.Equal(t, ExpansionPlan{Plan: map[string]float64{}}, s)

	_, err = UnmarshalSignal([]byte(`{"type":"reboot"}`))
	assert.ErrorIs(t, err, ErrUnknownSignal)
	_, err = UnmarshalSignal([]byte(`not json`))
	assert.Error(t, err)
}

func TestReplyOK(t *testing.T) {
	assert.True(t, Reply{Status: StatusSuccess}.OK())
	assert.True(t, Reply{Status: StatusHealthy}.OK())
	assert.False(t, Reply{Status: StatusUnhealthy}.OK())
	assert.False(t, ErrorReply(errors.New("boom")).OK())
}

func TestErrorReplyCarriesKind(t *testing.T) {
	r := ErrorReply(types.IntegrityError("receive", "", errors.New("hash mismatch")))
	assert.Equal(t, "IntegrityError", r.ErrorKind)
	assert.Contains(t, r.Message, "hash mismatch")
}
