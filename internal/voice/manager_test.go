package voice_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/google/go-cmp/cmp"
)

type fakeJoiner struct {
	mu      sync.Mutex
	joins   []string
	leaves  []string
	joinErr error

	// delay holds each Join open so concurrent calls overlap.
	delay time.Duration
}

func (j *fakeJoiner) Join(_ context.Context, guildID, channelID string) (voice.VoiceServer, error) {
	time.Sleep(j.delay)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.joinErr != nil {
		return voice.VoiceServer{}, j.joinErr
	}
	j.joins = append(j.joins, guildID+"/"+channelID)
	return voice.VoiceServer{
		Endpoint:    "voice.example.test",
		Credentials: gateway.Credentials{ServerID: guildID, Token: "t"},
	}, nil
}

func (j *fakeJoiner) Leave(_ context.Context, guildID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leaves = append(j.leaves, guildID)
	return nil
}

func (j *fakeJoiner) snapshot() ([]string, []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.joins...), append([]string(nil), j.leaves...)
}

// fakeDialer opens connections over fake signalers and remembers them.
type fakeDialer struct {
	mu      sync.Mutex
	signals []*fakeSignaler
}

func (d *fakeDialer) dial(ctx context.Context, server voice.VoiceServer) (*voice.Connection, error) {
	d.mu.Lock()
	sig := newFakeSignaler(uint32(len(d.signals) + 1))
	d.signals = append(d.signals, sig)
	d.mu.Unlock()
	return voice.Dial(ctx, sig, &fakeTransport{}, testOptions(nil))
}

func (d *fakeDialer) last() *fakeSignaler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals[len(d.signals)-1]
}

func (d *fakeDialer) all() []*fakeSignaler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSignaler(nil), d.signals...)
}

type notificationLog struct {
	mu    sync.Mutex
	items []string
}

func (l *notificationLog) record(guildID string, n voice.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, guildID+":"+n.Type.String())
}

func (l *notificationLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func newManager(j *fakeJoiner, d *fakeDialer, log *notificationLog) *voice.Manager {
	return voice.NewManager(j, voice.ManagerOptions{
		Dial:           d.dial,
		OnNotification: log.record,
	})
}

func TestManagerConnectReusesConnection(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)
	defer m.Close(context.Background())

	first, err := m.Connect(context.Background(), "g1", "c1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	again, err := m.Connect(context.Background(), "g1", "c1")
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first != again {
		t.Error("Connect() to the same channel opened a new connection")
	}
	if got, ok := m.Get("g1"); !ok || got != first {
		t.Error("Get() did not return the open connection")
	}

	joins, _ := j.snapshot()
	if diff := cmp.Diff([]string{"g1/c1"}, joins); diff != "" {
		t.Errorf("joins mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerConnectMovesChannel(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)
	defer m.Close(context.Background())

	first, err := m.Connect(context.Background(), "g1", "c1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second, err := m.Connect(context.Background(), "g1", "c2")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if first == second {
		t.Fatal("moving channels reused the old connection")
	}
	<-first.Done()

	joins, leaves := j.snapshot()
	if diff := cmp.Diff([]string{"g1/c1", "g1/c2"}, joins); diff != "" {
		t.Errorf("joins mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"g1"}, leaves); diff != "" {
		t.Errorf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerForgetsClosedConnection(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)
	defer m.Close(context.Background())

	conn, err := m.Connect(context.Background(), "g1", "c1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	d.last().events <- gateway.Event{Type: gateway.EventClosed, Err: gateway.ErrKicked}
	<-conn.Done()

	eventually(t, func() bool {
		_, ok := m.Get("g1")
		_, leaves := j.snapshot()
		return !ok && len(leaves) == 1
	})
	eventually(t, func() bool {
		got := log.snapshot()
		return len(got) == 2
	})
	if diff := cmp.Diff([]string{"g1:connected", "g1:disconnected"}, log.snapshot()); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerJoinFailure(t *testing.T) {
	joinErr := errors.New("missing permissions")
	j := &fakeJoiner{joinErr: joinErr}
	m := newManager(j, &fakeDialer{}, &notificationLog{})

	if _, err := m.Connect(context.Background(), "g1", "c1"); !errors.Is(err, joinErr) {
		t.Fatalf("Connect() error = %v, want %v", err, joinErr)
	}
	if _, ok := m.Get("g1"); ok {
		t.Error("failed join left a connection behind")
	}
}

func TestManagerLeave(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)

	conn, err := m.Connect(context.Background(), "g1", "c1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Leave(context.Background(), "g1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Leave() did not disconnect the connection")
	}
	if err := m.Leave(context.Background(), "g1"); err != nil {
		t.Errorf("second Leave() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	_, leaves := j.snapshot()
	if diff := cmp.Diff([]string{"g1"}, leaves); diff != "" {
		t.Errorf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerPlay(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)
	defer m.Close(context.Background())

	if err := m.Play(context.Background(), "g1", "c1", &frameSource{n: 3}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	eventually(t, func() bool {
		return slices.Contains(log.snapshot(), "g1:track_ended")
	})

	if !m.Stop("g1") {
		t.Error("Stop() = false for a connected guild")
	}
	if m.Stop("g2") {
		t.Error("Stop() = true for an unknown guild")
	}
}

func TestManagerPlayJoinFailureClosesSource(t *testing.T) {
	j := &fakeJoiner{joinErr: errors.New("missing permissions")}
	m := newManager(j, &fakeDialer{}, &notificationLog{})

	src := &frameSource{n: -1}
	if err := m.Play(context.Background(), "g1", "c1", src); !errors.Is(err, j.joinErr) {
		t.Fatalf("Play() error = %v, want %v", err, j.joinErr)
	}
	if !src.closed.Load() {
		t.Error("Play() left the source open after a failed join")
	}
}

func TestManagerConcurrentConnectSharesConnection(t *testing.T) {
	j, d, log := &fakeJoiner{delay: 20 * time.Millisecond}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)

	const callers = 4
	conns := make([]*voice.Connection, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], errs[i] = m.Connect(context.Background(), "g1", "c1")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect() #%d error = %v", i, err)
		}
		if conns[i] != conns[0] {
			t.Errorf("Connect() #%d returned a different connection", i)
		}
	}
	joins, _ := j.snapshot()
	if diff := cmp.Diff([]string{"g1/c1"}, joins); diff != "" {
		t.Errorf("joins mismatch (-want +got):\n%s", diff)
	}
	if n := len(d.all()); n != 1 {
		t.Errorf("dialed %d connections, want 1", n)
	}

	closed := make(chan error, 1)
	go func() { closed <- m.Close(context.Background()) }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return")
	}
	for i, sig := range d.all() {
		if !sig.isDisconnected() {
			t.Errorf("signaler %d still connected after Close()", i)
		}
	}
}

func TestManagerConnectAfterClose(t *testing.T) {
	j, d, log := &fakeJoiner{}, &fakeDialer{}, &notificationLog{}
	m := newManager(j, d, log)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := m.Connect(context.Background(), "g1", "c1")
	if !errors.Is(err, voice.ErrManagerClosed) {
		t.Fatalf("Connect() error = %v, want %v", err, voice.ErrManagerClosed)
	}
	if joins, _ := j.snapshot(); len(joins) != 0 {
		t.Errorf("joined %v after Close()", joins)
	}
}
