package pion

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/media"
	"sudooom.im.client/internal/media/virtual"
)

func newSessionWithAudio(t *testing.T, f *Factory) media.Session {
	t.Helper()
	s, err := f.NewSession(media.SessionConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	devices := &virtual.Devices{Mics: 1}
	stream, err := devices.Acquire(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	t.Cleanup(stream.Stop)
	require.NoError(t, s.AddStream(stream))
	return s
}

func TestSession_OfferAnswerExchange(t *testing.T) {
	f, err := NewFactory()
	require.NoError(t, err)

	caller := newSessionWithAudio(t, f)
	callee := newSessionWithAudio(t, f)

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.Contains(offer, `"type":"offer"`), offer)

	answer, err := callee.AcceptOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.True(t, strings.Contains(answer, `"type":"answer"`), answer)

	require.NoError(t, caller.AcceptAnswer(answer))
}

func TestSession_InvalidDescription(t *testing.T) {
	f, err := NewFactory()
	require.NoError(t, err)
	s := newSessionWithAudio(t, f)

	_, err = s.AcceptOffer(context.Background(), "not json")
	assert.Error(t, err)
}

func TestSession_CloseIdempotent(t *testing.T) {
	f, err := NewFactory()
	require.NoError(t, err)
	s, err := f.NewSession(media.SessionConfig{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
