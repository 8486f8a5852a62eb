package hark

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscovery(t *testing.T) {
	t.Run("a late listener resolves an announcer", func(t *testing.T) {
		b := newBus()
		announcer := createOnBus(
			t, b, "announcer",
			WithAnnounce("Users", "http://10.0.0.1:8080"),
			WithAnnouncePeriod(200*time.Millisecond),
		)
		require.NoError(t, announcer.Start())

		// The listener joins the segment after two announcements were sent.
		require.Eventually(t, func() bool {
			return b.sent.Load() >= 2
		}, 5*time.Second, 10*time.Millisecond)

		listener := createOnBus(t, b, "listener")
		require.NoError(t, listener.Start())

		ctx, cancel := context.WithTimeout(context.Background(), DefaultExpiration)
		defer cancel()
		addrs, err := listener.Resolve(ctx, "Users", 1)
		require.NoError(t, err)
		require.Equal(t, []string{"http://10.0.0.1:8080"}, addrs)
	})

	t.Run("resolve waits for enough replies", func(t *testing.T) {
		b := newBus()
		for i, uri := range []string{"http://10.0.0.1:9000", "http://10.0.0.2:9000"} {
			images := createOnBus(
				t, b, "images-"+string(rune('a'+i)),
				WithAnnounce("Images", uri),
				WithAnnouncePeriod(100*time.Millisecond),
			)
			require.NoError(t, images.Start())
		}

		consumer := createOnBus(t, b, "consumer")
		require.NoError(t, consumer.Start())

		ctx, cancel := context.WithTimeout(context.Background(), DefaultExpiration)
		defer cancel()
		addrs, err := consumer.Resolve(ctx, "Images", 2)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"http://10.0.0.1:9000", "http://10.0.0.2:9000"}, addrs)

		shortCtx, shortCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer shortCancel()
		_, err = consumer.Resolve(shortCtx, "Images", 3)
		require.ErrorIs(t, err, ErrLookupTimeout)
	})

	t.Run("consumers do not announce", func(t *testing.T) {
		b := newBus()
		consumer := createOnBus(t, b, "consumer", WithAnnouncePeriod(10*time.Millisecond))
		require.NoError(t, consumer.Start())

		time.Sleep(100 * time.Millisecond)
		require.Zero(t, b.sent.Load())
	})

	t.Run("diagnostic reads", func(t *testing.T) {
		b := newBus()
		announcer := createOnBus(
			t, b, "announcer",
			WithAnnounce("Users", "http://10.0.0.1:8080"),
			WithAnnouncePeriod(50*time.Millisecond),
		)
		require.NoError(t, announcer.Start())

		require.Eventually(t, func() bool {
			info, has := announcer.Lookup("Users")
			return has && info.Fresh
		}, 5*time.Second, 10*time.Millisecond, "an announcer also hears itself")

		services := announcer.Services()
		require.Len(t, services, 1)
		require.Equal(t, "Users", services[0].Name)
		require.Len(t, announcer.Scan("Use"), 1)
		require.Empty(t, announcer.Scan("Images"))
	})
}

func TestDiscovery_Lifecycle(t *testing.T) {
	b := newBus()
	d := createOnBus(t, b, "lifecycle", WithAnnounce("Users", "http://10.0.0.1:8080"))

	require.NoError(t, d.Start())
	require.NoError(t, d.Start(), "start is idempotent")
	require.NotEmpty(t, d.ID())
	require.Equal(t, DefaultGroup, d.Group().String())
	require.Empty(t, d.RelayAddr())

	resCh := make(chan error, 1)
	go func() {
		_, err := d.Resolve(context.Background(), "Nobody", 1)
		resCh <- err
	}()

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown(), "shutdown is idempotent")

	select {
	case err := <-resCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown should unblock resolve")
	}

	require.ErrorIs(t, d.Start(), ErrShutdown)
}

func TestDiscovery_InvalidConfig(t *testing.T) {
	oversized := "http://10.0.0.1:8080/" + strings.Repeat("a", MaxPayloadSize)
	cases := map[string]struct {
		opt Option
		err error
	}{
		"unicast group":     {WithGroup("10.0.0.1:2266"), ErrInvalidGroup},
		"reserved group":    {WithGroup("224.0.0.0:2266"), ErrInvalidGroup},
		"ipv6 group":        {WithGroup("[ff02::1]:2266"), ErrInvalidGroup},
		"missing port":      {WithGroup("226.226.226.226"), ErrInvalidGroup},
		"bad announcement":  {WithAnnounce("Users", "10.0.0.1:8080"), ErrInvalidAnnouncement},
		"nameless announce": {WithAnnounce("", "http://10.0.0.1:8080"), ErrInvalidAnnouncement},
		"huge announce":     {WithAnnounce("Users", oversized), ErrInvalidAnnouncement},
	}

	for desc, tc := range cases {
		_, err := Create(withConn(newBus().conn()), tc.opt)
		require.ErrorIs(t, err, ErrInvalidCfg, desc)
		require.ErrorIs(t, err, tc.err, desc)
	}

	_, err := Create(withConn(newBus().conn()), WithGroup("239.255.255.255:2266"))
	require.NoError(t, err, "the top of the multicast range is valid")
}

func TestDiscovery_RealMulticast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multicast test in short mode")
	}

	group := WithGroup("239.255.42.99:23266")
	announcer, err := Create(
		group,
		WithLog(testLogHandler("announcer")),
		WithAnnounce("Users", "http://127.0.0.1:8080"),
		WithAnnouncePeriod(100*time.Millisecond),
	)
	if err != nil {
		t.Skipf("multicast unavailable: %s", err)
	}
	defer announcer.Shutdown()

	listener, err := Create(group, WithLog(testLogHandler("listener")))
	if err != nil {
		t.Skipf("multicast unavailable: %s", err)
	}
	defer listener.Shutdown()

	require.NoError(t, announcer.Start())
	require.NoError(t, listener.Start())

	ctx, cancel := context.WithTimeout(context.Background(), DefaultExpiration)
	defer cancel()
	addrs, err := listener.Resolve(ctx, "Users", 1)
	if err != nil {
		t.Skipf("multicast loopback not delivered on this host: %s", err)
	}
	require.Equal(t, []string{"http://127.0.0.1:8080"}, addrs)
}
