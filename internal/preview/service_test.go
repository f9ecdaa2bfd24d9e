package preview

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
)

func frameServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	frame := buf.Bytes()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/preview") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Client == nil {
		opts.Client = device.NewClient(time.Second, 4, zerolog.Nop())
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s := NewService(opts)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServiceRefcounting(t *testing.T) {
	srv := frameServer(t)
	dev := device.Device{ID: 1, Address: strings.TrimPrefix(srv.URL, "http://")}
	s := newTestService(t, Options{Refresh: 20 * time.Millisecond})

	first := s.Subscribe(dev, 1)
	if !first.First || first.Count != 1 || first.ID == "" {
		t.Errorf("first subscribe: unexpected receipt %+v", first)
	}
	second := s.Subscribe(dev, 1)
	if second.First || second.Count != 2 {
		t.Errorf("second subscribe: unexpected receipt %+v", second)
	}
	if second.ID == first.ID {
		t.Error("subscription ids must be distinct")
	}
	if n := s.SubscriberCount(dev.Address, 1); n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}

	if remaining, ok := s.Unsubscribe(first.ID); !ok || remaining != 1 {
		t.Errorf("expected release with 1 remaining, got %d ok=%v", remaining, ok)
	}
	if remaining, ok := s.Unsubscribe(second.ID); !ok || remaining != 0 {
		t.Errorf("expected release with 0 remaining, got %d ok=%v", remaining, ok)
	}
	if n := s.SubscriberCount(dev.Address, 1); n != 0 {
		t.Errorf("expected loop gone, got count %d", n)
	}

	// Unknown ids are a no-op.
	if _, ok := s.Unsubscribe("no-such-id"); ok {
		t.Error("expected miss for unknown subscription id")
	}
}

func TestServiceDoubleReleaseIsHarmless(t *testing.T) {
	srv := frameServer(t)
	dev := device.Device{ID: 1, Address: strings.TrimPrefix(srv.URL, "http://")}
	s := newTestService(t, Options{Refresh: 20 * time.Millisecond})

	first := s.Subscribe(dev, 1)
	second := s.Subscribe(dev, 1)

	if _, ok := s.Unsubscribe(first.ID); !ok {
		t.Fatal("first release failed")
	}
	// Replaying the same id must not steal the other viewer's reference.
	if _, ok := s.Unsubscribe(first.ID); ok {
		t.Error("expected replayed release to be a no-op")
	}
	if n := s.SubscriberCount(dev.Address, 1); n != 1 {
		t.Errorf("expected surviving subscriber, got count %d", n)
	}
	if _, ok := s.Unsubscribe(second.ID); !ok {
		t.Error("surviving subscriber failed to release")
	}
}

func TestUnsubscribeRemovesFrame(t *testing.T) {
	srv := frameServer(t)
	dev := device.Device{ID: 1, Address: strings.TrimPrefix(srv.URL, "http://")}
	s := newTestService(t, Options{Refresh: 20 * time.Millisecond})

	sub := s.Subscribe(dev, 1)
	path := s.ImagePath(dev.Address, 1)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := s.Unsubscribe(sub.ID); !ok {
		t.Fatal("release failed")
	}

	// Frame and its emptied device directory go with the last subscriber.
	deadline = time.Now().Add(3 * time.Second)
	for {
		_, frameErr := os.Stat(path)
		_, dirErr := os.Stat(filepath.Dir(path))
		if os.IsNotExist(frameErr) && os.IsNotExist(dirErr) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame not removed after last unsubscribe: frame=%v dir=%v", frameErr, dirErr)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceWritesFrames(t *testing.T) {
	srv := frameServer(t)
	dev := device.Device{ID: 1, Address: strings.TrimPrefix(srv.URL, "http://")}
	s := newTestService(t, Options{Refresh: 20 * time.Millisecond})

	sub := s.Subscribe(dev, 2)
	defer s.Unsubscribe(sub.ID)

	path := s.ImagePath(dev.Address, 2)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame never written to %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("written frame is not a decodable image: %v", err)
	}

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".frame-") {
			t.Errorf("stray temp file %s", e.Name())
		}
	}
}

func TestServicePlaceholderOnFailure(t *testing.T) {
	// No server listening: every fetch fails.
	dev := device.Device{ID: 1, Address: "127.0.0.1:1"}
	s := newTestService(t, Options{Refresh: 20 * time.Millisecond})

	if len(s.Placeholder()) == 0 {
		t.Fatal("placeholder frame is empty")
	}

	sub := s.Subscribe(dev, 1)
	defer s.Unsubscribe(sub.ID)

	path := s.ImagePath(dev.Address, 1)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if data, err := os.ReadFile(path); err == nil {
			if !bytes.Equal(data, s.Placeholder()) {
				t.Error("expected the placeholder frame on first failure")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("placeholder never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceDelay(t *testing.T) {
	s := NewService(Options{Refresh: time.Second, BackoffMax: 10 * time.Second})

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, c := range cases {
		if got := s.delay(c.failures); got != c.want {
			t.Errorf("failures=%d: expected %v, got %v", c.failures, c.want, got)
		}
	}
}

func TestSafeSegment(t *testing.T) {
	cases := map[string]string{
		"192.168.1.10":      "192.168.1.10",
		"192.168.1.10:8080": "192.168.1.10_8080",
		"rack-3/enc":        "rack-3_enc",
		"../etc":            ".._etc",
	}
	for in, want := range cases {
		if got := safeSegment(in); got != want {
			t.Errorf("safeSegment(%q): expected %q, got %q", in, want, got)
		}
	}
}
