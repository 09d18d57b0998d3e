package mp4composer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedAudioDecoder(t *testing.T, codecs *testCodecs) Codec {
	t.Helper()
	dec, err := codecs.NewDecoder(MIMEAudioAAC)
	require.NoError(t, err)
	require.NoError(t, dec.Configure(NewAudioFormat(MIMEAudioAAC, 44100, 2), nil))
	require.NoError(t, dec.Start())
	return dec
}

func queueBytes(t *testing.T, c Codec, data []byte, ptsUs int64, flags BufferFlags) bool {
	t.Helper()
	idx, err := c.DequeueInputBuffer(0)
	require.NoError(t, err)
	if idx < 0 {
		return false
	}
	buf, err := c.InputBuffer(idx)
	require.NoError(t, err)
	n := copy(buf, data)
	require.NoError(t, c.QueueInputBuffer(idx, BufferInfo{Size: n, PresentationTimeUs: ptsUs, Flags: flags}))
	return true
}

func TestBufferedCodec_FormatAnnouncedFirst(t *testing.T) {
	dec := startedAudioDecoder(t, newTestCodecs())
	defer dec.Release()

	var info BufferInfo
	idx, err := dec.DequeueOutputBuffer(&info, 0)
	require.NoError(t, err)
	assert.Equal(t, InfoTryAgainLater, idx)

	require.True(t, queueBytes(t, dec, []byte{1, 2, 3, 4}, 1000, 0))
	idx, err = dec.DequeueOutputBuffer(&info, 0)
	require.NoError(t, err)
	require.Equal(t, InfoOutputFormatChanged, idx)
	assert.Equal(t, MIMEAudioRaw, dec.OutputFormat().MIME)

	idx, err = dec.DequeueOutputBuffer(&info, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, BufferInfo{Size: 4, PresentationTimeUs: 1000}, info)
	data, err := dec.OutputBuffer(idx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	require.NoError(t, dec.ReleaseOutputBuffer(idx, false))
	assert.ErrorIs(t, dec.ReleaseOutputBuffer(idx, false), ErrInvalidIndex)
}

func TestBufferedCodec_Backpressure(t *testing.T) {
	dec := startedAudioDecoder(t, newTestCodecs())
	defer dec.Release()

	queued := 0
	for queueBytes(t, dec, []byte{0, 0}, int64(queued), 0) {
		queued++
		require.Less(t, queued, 100)
	}
	assert.Equal(t, defaultMaxPending, queued)

	var info BufferInfo
	idx, _ := dec.DequeueOutputBuffer(&info, 0)
	require.Equal(t, InfoOutputFormatChanged, idx)
	idx, _ = dec.DequeueOutputBuffer(&info, 0)
	require.GreaterOrEqual(t, idx, 0)
	require.NoError(t, dec.ReleaseOutputBuffer(idx, false))
	assert.True(t, queueBytes(t, dec, []byte{0, 0}, 99, 0), "room again after a dequeue")
}

func TestBufferedCodec_EndOfStream(t *testing.T) {
	dec := startedAudioDecoder(t, newTestCodecs())
	defer dec.Release()

	require.True(t, queueBytes(t, dec, nil, 0, BufferFlagEndOfStream))
	idx, err := dec.DequeueInputBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, InfoTryAgainLater, idx, "no input after end of stream")

	var info BufferInfo
	idx, _ = dec.DequeueOutputBuffer(&info, 0)
	require.Equal(t, InfoOutputFormatChanged, idx)
	idx, _ = dec.DequeueOutputBuffer(&info, 0)
	require.GreaterOrEqual(t, idx, 0)
	assert.True(t, info.Flags.Has(BufferFlagEndOfStream))
	assert.Zero(t, info.Size)
}

func TestBufferedCodec_StateErrors(t *testing.T) {
	codecs := newTestCodecs()
	dec, err := codecs.NewDecoder(MIMEAudioAAC)
	require.NoError(t, err)

	_, err = dec.DequeueInputBuffer(0)
	assert.ErrorIs(t, err, ErrCodecState)
	require.NoError(t, dec.Configure(NewAudioFormat(MIMEAudioAAC, 8000, 1), nil))
	assert.ErrorIs(t, dec.Configure(NewAudioFormat(MIMEAudioAAC, 8000, 1), nil), ErrCodecState)
	_, err = dec.CreateInputSurface()
	assert.ErrorIs(t, err, ErrCodecState, "decoders have no input surface")
	assert.ErrorIs(t, dec.SignalEndOfInputStream(), ErrCodecState)

	var cerr *CodecError
	require.ErrorAs(t, dec.SignalEndOfInputStream(), &cerr)
	assert.Equal(t, "test."+MIMEAudioAAC+".decoder", cerr.Codec)

	require.NoError(t, dec.Release())
	require.NoError(t, dec.Release())
	created, closed := codecs.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed, "backend closed once")
}

func TestBufferedCodec_RenderToSurface(t *testing.T) {
	dec, err := newTestCodecs().NewDecoder(MIMEVideoMPEG4)
	require.NoError(t, err)
	defer dec.Release()
	surface := NewDecoderSurface(0)
	require.NoError(t, dec.Configure(NewVideoFormat(MIMEVideoMPEG4, 8, 4), surface))
	require.NoError(t, dec.Start())

	require.True(t, queueBytes(t, dec, encodeFlat(8, 4, 99), 5000, BufferFlagKeyFrame))
	var info BufferInfo
	idx, _ := dec.DequeueOutputBuffer(&info, 0)
	require.Equal(t, InfoOutputFormatChanged, idx)
	idx, _ = dec.DequeueOutputBuffer(&info, 0)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, I420Size(8, 4), info.Size)

	data, err := dec.OutputBuffer(idx)
	require.NoError(t, err)
	assert.Equal(t, byte(99), data[0])

	require.NoError(t, dec.ReleaseOutputBuffer(idx, true))
	require.NoError(t, surface.AwaitNewImage())
	assert.Equal(t, int64(5_000_000), surface.TimestampNs())
}
