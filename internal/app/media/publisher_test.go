package media

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/core/mock_core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	ctrl      *gomock.Controller
	source    *mock_core.MockMediaSource
	transport *mock_core.MockTransport
	sig       *mock_core.MockSignaling
	audio     *mock_core.MockTrackSender
	video     *mock_core.MockTrackSender
	changes   []domain.MediaState
	// offline publishes without a signaling channel.
	offline bool
}

func newTrack(ctrl *gomock.Controller, id string, kind domain.MediaKind) *mock_core.MockLocalTrack {
	t := mock_core.NewMockLocalTrack(ctrl)
	t.EXPECT().ID().Return(id).AnyTimes()
	t.EXPECT().Kind().Return(kind).AnyTimes()
	t.EXPECT().DeviceID().Return(id).AnyTimes()
	return t
}

func newStream(ctrl *gomock.Controller, id string, tracks ...core.LocalTrack) *mock_core.MockLocalStream {
	s := mock_core.NewMockLocalStream(ctrl)
	s.EXPECT().ID().Return(id).AnyTimes()
	s.EXPECT().Tracks().Return(tracks).AnyTimes()
	return s
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		ctrl:      ctrl,
		source:    mock_core.NewMockMediaSource(ctrl),
		transport: mock_core.NewMockTransport(ctrl),
		sig:       mock_core.NewMockSignaling(ctrl),
		audio:     mock_core.NewMockTrackSender(ctrl),
		video:     mock_core.NewMockTrackSender(ctrl),
	}
	f.audio.EXPECT().Kind().Return(domain.KindAudio).AnyTimes()
	f.video.EXPECT().Kind().Return(domain.KindVideo).AnyTimes()
	return f
}

func (f *fixture) publisher(opts Options) *Publisher {
	opts.OnChange = func(_ core.LocalStream, st domain.MediaState) { f.changes = append(f.changes, st) }
	if f.offline {
		return NewPublisher(f.source, f.transport, nil, opts)
	}
	return NewPublisher(f.source, f.transport, f.sig, opts)
}

var both = domain.MediaConstraints{Audio: true, Video: true}

// started returns a publisher that is publishing mic and cam.
func (f *fixture) started(t *testing.T, opts Options) (*Publisher, *mock_core.MockLocalTrack, *mock_core.MockLocalTrack) {
	mic := newTrack(f.ctrl, "mic", domain.KindAudio)
	cam := newTrack(f.ctrl, "cam", domain.KindVideo)
	stream := newStream(f.ctrl, "s1", mic, cam)

	gomock.InOrder(
		f.source.EXPECT().GetUserMedia(gomock.Any(), both).Return(stream, nil),
		f.transport.EXPECT().Publish(gomock.Any(), stream).Return([]core.TrackSender{f.audio, f.video}, nil),
		f.source.EXPECT().EnumerateDevices().Return([]domain.Device{{ID: "mic", Kind: domain.KindAudio}}, nil),
	)
	p := f.publisher(opts)
	got, err := p.StartPublish(context.Background(), both)
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID())
	return p, mic, cam
}

func TestStartPublishOrder(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.started(t, Options{})

	require.Equal(t, domain.MediaState{Audio: true, Video: true}, p.State())
	require.Len(t, p.Devices(), 1)
	require.Len(t, p.Stream().Tracks(), 2)
	require.Len(t, f.changes, 1)
}

func TestStartPublishCaptureFailure(t *testing.T) {
	f := newFixture(t)
	f.source.EXPECT().GetUserMedia(gomock.Any(), gomock.Any()).Return(nil, errors.New("permission denied"))

	p := f.publisher(Options{})
	_, err := p.StartPublish(context.Background(), domain.MediaConstraints{Video: true})
	require.ErrorIs(t, err, domain.ErrMediaAcquisition)
	var me *domain.MediaAcquisitionError
	require.True(t, errors.As(err, &me))
	require.Equal(t, domain.KindVideo, me.Kind)
	require.Nil(t, p.Stream())
	require.Equal(t, domain.MediaState{}, p.State())
}

func TestStartPublishFailureReleasesDevices(t *testing.T) {
	f := newFixture(t)
	mic := newTrack(f.ctrl, "mic", domain.KindAudio)
	stream := newStream(f.ctrl, "s1", mic)
	f.source.EXPECT().GetUserMedia(gomock.Any(), gomock.Any()).Return(stream, nil)
	f.transport.EXPECT().Publish(gomock.Any(), stream).Return(nil, &domain.NegotiationError{Err: errors.New("no answer")})
	mic.EXPECT().Close().Return(nil)

	_, err := f.publisher(Options{}).StartPublish(context.Background(), domain.MediaConstraints{Audio: true})
	require.ErrorIs(t, err, domain.ErrNegotiation)
}

func TestSenderHookRunsPerSender(t *testing.T) {
	f := newFixture(t)
	var hooked []domain.MediaKind
	f.started(t, Options{OnSender: func(_ context.Context, s core.TrackSender) error {
		hooked = append(hooked, s.Kind())
		return nil
	}})
	require.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, hooked)
}

func TestMuteUnmute(t *testing.T) {
	f := newFixture(t)
	p, mic, _ := f.started(t, Options{})
	ctx := context.Background()

	gomock.InOrder(
		f.audio.EXPECT().ReplaceTrack(nil).Return(nil),
		f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: true, Kind: domain.KindAudio}).Return(nil),
		f.audio.EXPECT().ReplaceTrack(mic).Return(nil),
		f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: false, Kind: domain.KindAudio}).Return(nil),
	)
	require.NoError(t, p.Mute(ctx, domain.KindAudio))
	require.False(t, p.State().Audio)
	require.NoError(t, p.Mute(ctx, domain.KindAudio))
	require.NoError(t, p.Unmute(ctx, domain.KindAudio))
	require.True(t, p.State().Audio)
	require.Len(t, f.changes, 3)
}

func TestNoSignalingSendsNoState(t *testing.T) {
	f := newFixture(t)
	f.offline = true
	p, _, _ := f.started(t, Options{})
	f.video.EXPECT().ReplaceTrack(nil).Return(nil)

	enabled, err := p.Toggle(context.Background(), domain.KindVideo)
	require.NoError(t, err)
	require.False(t, enabled)
	p.SendState(context.Background())
}

func TestSendState(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.started(t, Options{})
	f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: false, Kind: domain.KindAudio}).Return(nil)
	f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: false, Kind: domain.KindVideo}).Return(nil)
	p.SendState(context.Background())
}

func TestSwitchDevice(t *testing.T) {
	f := newFixture(t)
	p, _, cam := f.started(t, Options{})
	next := newTrack(f.ctrl, "cam2", domain.KindVideo)
	c := both.Only(domain.KindVideo, "cam2")

	gomock.InOrder(
		f.source.EXPECT().GetUserMedia(gomock.Any(), c).Return(newStream(f.ctrl, "s2", next), nil),
		f.video.EXPECT().ReplaceTrack(next).Return(nil),
		cam.EXPECT().Close().Return(nil),
	)
	require.NoError(t, p.SwitchDevice(context.Background(), domain.KindVideo, "cam2"))
	require.Contains(t, p.Stream().Tracks(), core.LocalTrack(next))
	require.Equal(t, "s1", p.Stream().ID())
}

func TestSwitchDeviceWhileMutedKeepsSenderPaused(t *testing.T) {
	f := newFixture(t)
	p, _, cam := f.started(t, Options{})
	f.video.EXPECT().ReplaceTrack(nil).Return(nil)
	f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: true, Kind: domain.KindVideo}).Return(nil)
	require.NoError(t, p.Mute(context.Background(), domain.KindVideo))

	next := newTrack(f.ctrl, "cam2", domain.KindVideo)
	f.source.EXPECT().GetUserMedia(gomock.Any(), gomock.Any()).Return(newStream(f.ctrl, "s2", next), nil)
	cam.EXPECT().Close().Return(nil)
	require.NoError(t, p.SwitchDevice(context.Background(), domain.KindVideo, "cam2"))

	f.video.EXPECT().ReplaceTrack(next).Return(nil)
	f.sig.EXPECT().Notify(gomock.Any(), "muteEvent", muteNotice{Muted: false, Kind: domain.KindVideo}).Return(nil)
	require.NoError(t, p.Unmute(context.Background(), domain.KindVideo))
}

func TestSwitchDeviceFailureKeepsTrack(t *testing.T) {
	f := newFixture(t)
	p, mic, _ := f.started(t, Options{})
	f.source.EXPECT().GetUserMedia(gomock.Any(), gomock.Any()).Return(nil, errors.New("busy"))

	err := p.SwitchDevice(context.Background(), domain.KindAudio, "mic2")
	require.ErrorIs(t, err, domain.ErrMediaAcquisition)
	require.Contains(t, p.Stream().Tracks(), core.LocalTrack(mic))
}

func TestNoSenderForKind(t *testing.T) {
	f := newFixture(t)
	p := f.publisher(Options{})
	require.ErrorIs(t, p.Mute(context.Background(), domain.KindAudio), ErrNoTrack)
}

func TestStopReleasesAndRejects(t *testing.T) {
	f := newFixture(t)
	p, mic, cam := f.started(t, Options{})
	mic.EXPECT().Close().Return(nil)
	cam.EXPECT().Close().Return(nil)

	require.Equal(t, "s1", p.Stop())
	require.Equal(t, "", p.Stop())
	require.ErrorIs(t, p.Mute(context.Background(), domain.KindAudio), ErrStopped)
	_, err := p.StartPublish(context.Background(), both)
	require.ErrorIs(t, err, ErrStopped)
}
