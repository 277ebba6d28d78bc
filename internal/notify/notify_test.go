package notify

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	sent   []Subscription
	status int
	err    error
}

func (f *fakeSender) Send(payload []byte, sub Subscription) (int, error) {
	f.sent = append(f.sent, sub)
	return f.status, f.err
}

func validSub(endpoint string) Subscription {
	s := Subscription{Endpoint: endpoint}
	s.Keys.P256DH = "p256dh-key"
	s.Keys.Auth = "auth-key"
	return s
}

func TestOpen_NoKeysAndNotGeneratingIsDisabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := Open(dir, "", false, discardLogger())
	require.NoError(t, err)
	require.False(t, n.Enabled())
	require.Empty(t, n.PublicKey())
}

func TestOpen_GeneratePersistsKeypairAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n1, err := Open(dir, "", true, discardLogger())
	require.NoError(t, err)
	require.True(t, n1.Enabled())
	require.NotEmpty(t, n1.PublicKey())

	n2, err := Open(dir, "", false, discardLogger())
	require.NoError(t, err)
	require.True(t, n2.Enabled())
	require.Equal(t, n1.PublicKey(), n2.PublicKey())
}

func TestSubscribe_RejectsIncompleteSubscription(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := Open(dir, "", true, discardLogger())
	require.NoError(t, err)

	require.Error(t, n.Subscribe(Subscription{Endpoint: "https://push.example/x"}))
}

func TestSubscribe_PersistsAndReplacesByEndpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := Open(dir, "", true, discardLogger())
	require.NoError(t, err)

	sub := validSub("https://push.example/a")
	require.NoError(t, n.Subscribe(sub))

	sub.Keys.Auth = "new-auth-key"
	require.NoError(t, n.Subscribe(sub))
	require.Len(t, n.subs, 1, "re-subscribing the same endpoint must replace, not append")
	require.Equal(t, "new-auth-key", n.subs[0].Keys.Auth)

	n2, err := Open(dir, "", false, discardLogger())
	require.NoError(t, err)
	require.Len(t, n2.subs, 1)
}

func TestDisabledNotifierMethodsAreNoops(t *testing.T) {
	t.Parallel()

	var n *Notifier
	require.NotPanics(t, func() {
		n.DangerousConfirmation("claude")
		n.SessionExited("claude", "normal", nil)
	})
	require.False(t, n.Enabled())
}

func TestSend_RemovesSubscriptionOnGone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := Open(dir, "", true, discardLogger())
	require.NoError(t, err)
	require.NoError(t, n.Subscribe(validSub("https://push.example/gone")))

	fs := &fakeSender{status: 410}
	n.sender = fs

	n.SessionExited("claude", "normal", nil)

	require.Len(t, fs.sent, 1)
	require.Empty(t, n.subs, "a 410 Gone response must drop the subscription")
}

func TestDangerousConfirmation_SendsToEverySubscription(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := Open(dir, "", true, discardLogger())
	require.NoError(t, err)
	require.NoError(t, n.Subscribe(validSub("https://push.example/a")))
	require.NoError(t, n.Subscribe(validSub("https://push.example/b")))

	fs := &fakeSender{status: 201}
	n.sender = fs

	n.DangerousConfirmation("claude")
	require.Len(t, fs.sent, 2)
}
