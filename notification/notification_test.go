package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/peerbus/bus"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
	"github.com/vinayprograms/peerbus/signature"
)

var testApp = AppInfo{
	AppID:      uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
	AppName:    "doorbell",
	DeviceID:   "dev-1",
	DeviceName: "front door",
}

func connect(t *testing.T, node *router.MemoryNode, name string) *bus.Attachment {
	t.Helper()
	a, err := bus.New(name, bus.WithCallTimeout(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, a.Connect(context.Background(), node))
	t.Cleanup(func() {
		a.Stop()
		a.Join()
	})
	return a
}

type recorder struct {
	received  chan Notification
	dismissed chan int32
}

func newRecorder() *recorder {
	return &recorder{received: make(chan Notification, 8), dismissed: make(chan int32, 8)}
}

func (r *recorder) Receive(n Notification)        { r.received <- n }
func (r *recorder) Dismiss(id int32, _ uuid.UUID) { r.dismissed <- id }

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func setup(t *testing.T) (*Sender, *Receiver, *recorder) {
	t.Helper()
	node := router.NewMemoryNode(router.DefaultConfig())
	t.Cleanup(node.Shutdown)

	producer := connect(t, node, "producer")
	consumer := connect(t, node, "consumer")

	s, err := NewSender(producer, testApp)
	require.NoError(t, err)
	rec := newRecorder()
	r, err := NewReceiver(consumer, rec)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() { r.Stop() })
	return s, r, rec
}

func TestSendAndReceive(t *testing.T) {
	s, _, rec := setup(t)

	id, err := s.Send(context.Background(), Notification{
		Type:          Warning,
		Texts:         []Text{{"en", "Someone is at the door"}, {"de", "Jemand ist an der Tür"}},
		CustomAttrs:   map[string]string{"camera": "front"},
		RichIconURL:   "http://example.com/bell.png",
		RichAudioURLs: []RichAudio{{"en", "http://example.com/ding.wav"}},
	}, time.Minute)
	require.NoError(t, err)

	n := wait(t, rec.received)
	assert.Equal(t, id, n.MessageID)
	assert.Equal(t, Version, n.Version)
	assert.Equal(t, Warning, n.Type)
	assert.Equal(t, testApp.AppID, n.AppID)
	assert.Equal(t, "doorbell", n.AppName)
	assert.Equal(t, "front door", n.DeviceName)
	assert.Equal(t, []string{"de", "en"}, n.Languages())
	assert.Equal(t, map[string]string{"camera": "front"}, n.CustomAttrs)
	assert.Equal(t, "http://example.com/bell.png", n.RichIconURL)
	assert.Equal(t, []RichAudio{{"en", "http://example.com/ding.wav"}}, n.RichAudioURLs)
	assert.Equal(t, s.bus.UniqueName(), n.Sender)
	assert.Equal(t, s.bus.UniqueName(), n.OriginalSender)

	last, ok := s.Last(Warning)
	require.True(t, ok)
	assert.Equal(t, id, last.MessageID)
	_, ok = s.Last(Info)
	assert.False(t, ok)
}

func TestSend_Validation(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()
	text := []Text{{"en", "hi"}}

	tests := []struct {
		name string
		n    Notification
		ttl  time.Duration
	}{
		{"ttl too short", Notification{Type: Info, Texts: text}, 10 * time.Second},
		{"ttl too long", Notification{Type: Info, Texts: text}, 13 * time.Hour},
		{"no text", Notification{Type: Info}, time.Minute},
		{"bad type", Notification{Type: MessageType(9), Texts: text}, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(ctx, tt.n, tt.ttl)
			assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidArgument), "got %v", err)
		})
	}
}

func TestNewSender_RequiresAppInfo(t *testing.T) {
	a, err := bus.New("bare")
	require.NoError(t, err)

	info := testApp
	info.DeviceName = ""
	_, err = NewSender(a, info)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidArgument))

	_, err = NewReceiver(a, nil)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidArgument))
}

func TestLastExpires(t *testing.T) {
	s, _, _ := setup(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	_, err := s.Send(context.Background(), Notification{Type: Info, Texts: []Text{{"en", "x"}}}, MinTTL)
	require.NoError(t, err)
	_, ok := s.Last(Info)
	require.True(t, ok)

	now = now.Add(MinTTL)
	_, ok = s.Last(Info)
	assert.False(t, ok)
}

func TestDeleteLastMsg(t *testing.T) {
	s, _, rec := setup(t)
	ctx := context.Background()

	err := s.DeleteLastMsg(ctx, Emergency)
	assert.True(t, buserr.Is(err, buserr.ErrCodeNotFound), "got %v", err)

	id, err := s.Send(ctx, Notification{Type: Emergency, Texts: []Text{{"en", "fire"}}}, time.Minute)
	require.NoError(t, err)
	wait(t, rec.received)

	require.NoError(t, s.DeleteLastMsg(ctx, Emergency))
	assert.Equal(t, id, wait(t, rec.dismissed))
	_, ok := s.Last(Emergency)
	assert.False(t, ok)
}

func TestReceiverDismiss(t *testing.T) {
	s, r, rec := setup(t)
	ctx := context.Background()

	id, err := s.Send(ctx, Notification{Type: Info, Texts: []Text{{"en", "parcel"}}}, time.Minute)
	require.NoError(t, err)
	n := wait(t, rec.received)

	require.NoError(t, r.Dismiss(ctx, n))
	assert.Equal(t, id, wait(t, rec.dismissed))
	_, ok := s.Last(Info)
	assert.False(t, ok, "producer dropped the dismissed notification")
}

func TestReceiverDismiss_ProducerGone(t *testing.T) {
	s, r, _ := setup(t)
	ctx := context.Background()

	n := Notification{MessageID: 77, AppID: testApp.AppID, Sender: ":gone.1", Texts: []Text{{"en", "x"}}}

	// A third attachment hears the fallback broadcast.
	rec := newRecorder()
	other, err := NewReceiver(s.bus, rec)
	require.NoError(t, err)
	require.NoError(t, other.Start())
	defer other.Stop()

	require.NoError(t, r.Dismiss(ctx, n))
	assert.Equal(t, int32(77), wait(t, rec.dismissed))
}

func TestReceiver_StartStop(t *testing.T) {
	_, r, _ := setup(t)
	assert.True(t, buserr.Is(r.Start(), buserr.ErrCodeInvalidState))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Empty(t, r.bus.MatchRules())
	require.NoError(t, r.Start())
}

// ====================================================================
// Payload decoding
// ====================================================================

func TestDecode_RoundTripsArgs(t *testing.T) {
	n := Notification{
		Version:         Version,
		MessageID:       5,
		Type:            Emergency,
		DeviceID:        "d",
		DeviceName:      "dn",
		AppID:           testApp.AppID,
		AppName:         "app",
		Texts:           []Text{{"en", "hello"}},
		ResponseObjPath: "/respond",
	}
	args := n.args(":orig.1")
	require.NoError(t, signature.CheckArgs(NotifySignature, args))

	got, err := decode(":relay.1", args)
	require.NoError(t, err)
	assert.Equal(t, ":relay.1", got.Sender)
	assert.Equal(t, ":orig.1", got.OriginalSender)
	assert.Equal(t, "/respond", got.ResponseObjPath)
	assert.Equal(t, n.Texts, got.Texts)
	assert.Nil(t, got.CustomAttrs)
}

func TestDecode_Rejects(t *testing.T) {
	good := (&Notification{Type: Info, AppID: testApp.AppID, Texts: []Text{{"en", "x"}}}).args("")

	short := append([]any(nil), good[:9]...)
	_, err := decode(":a.1", short)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMalformed))

	badType := append([]any(nil), good...)
	badType[2] = uint16(7)
	_, err = decode(":a.1", badType)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMalformed))

	badApp := append([]any(nil), good...)
	badApp[5] = []byte{1, 2, 3}
	_, err = decode(":a.1", badApp)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMalformed))

	noText := append([]any(nil), good...)
	noText[9] = []any{}
	_, err = decode(":a.1", noText)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMalformed))
}

func TestDuplicateWindow(t *testing.T) {
	r, err := NewReceiver(&bus.Attachment{}, newRecorder(), WithDedupWindow(time.Minute))
	require.NoError(t, err)
	now := time.Unix(0, 0)
	r.now = func() time.Time { return now }

	n := Notification{AppID: testApp.AppID, MessageID: 1}
	assert.False(t, r.duplicate(n))
	assert.True(t, r.duplicate(n))

	other := n
	other.MessageID = 2
	assert.False(t, r.duplicate(other))

	now = now.Add(time.Minute)
	assert.False(t, r.duplicate(n), "window passed")
	assert.Equal(t, 1, r.seen.Count(), "expired entry for message 2 pruned")
}
