package call

import (
	"errors"
	"testing"
	"time"

	"call-me/internal/domain"
)

func TestRegistryCreateAssignsIDAndToken(t *testing.T) {
	r := NewRegistry(2)
	c, err := r.Create("+15551234567", "+15559990000")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" {
		t.Error("empty call ID")
	}
	if len(c.WsToken) != 32 { // 128 bits hex-encoded
		t.Errorf("token length = %d, want 32", len(c.WsToken))
	}

	got, err := r.Get(c.ID)
	if err != nil || got != c {
		t.Errorf("Get(%q) = %v, %v", c.ID, got, err)
	}
}

func TestRegistryMaxConcurrent(t *testing.T) {
	r := NewRegistry(1)
	if _, err := r.Create("+15551234567", "+15559990000"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Create("+15551234567", "+15559990000")
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeCallMax {
		t.Errorf("code = %s, want %s", domain.ErrorCodeOf(err), domain.CodeCallMax)
	}
}

func TestRegistryProviderIndex(t *testing.T) {
	r := NewRegistry(2)
	c, _ := r.Create("+15551234567", "+15559990000")

	if err := r.SetProviderCallID(c.ID, "pc-1"); err != nil {
		t.Fatal(err)
	}
	got, err := r.ByProviderCallID("pc-1")
	if err != nil || got != c {
		t.Fatalf("ByProviderCallID = %v, %v", got, err)
	}

	r.RemoveProviderIndex("pc-1")
	if _, err := r.ByProviderCallID("pc-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("after remove: err = %v, want ErrNotFound", err)
	}
	// The call itself is still registered.
	if _, err := r.Get(c.ID); err != nil {
		t.Errorf("Get after provider index removal: %v", err)
	}
}

func TestRegistryTokenIsOneShot(t *testing.T) {
	r := NewRegistry(2)
	c, _ := r.Create("+15551234567", "+15559990000")

	got, err := r.ConsumeToken(c.WsToken)
	if err != nil || got != c {
		t.Fatalf("ConsumeToken = %v, %v", got, err)
	}

	// Second use of the same token fails.
	if _, err := r.ConsumeToken(c.WsToken); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("second consume: err = %v, want ErrPermissionDenied", err)
	}
}

func TestRegistryConsumeUnknownToken(t *testing.T) {
	r := NewRegistry(2)
	r.Create("+15551234567", "+15559990000")
	if _, err := r.ConsumeToken("deadbeef"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRegistryRemoveClearsAllIndices(t *testing.T) {
	r := NewRegistry(2)
	c, _ := r.Create("+15551234567", "+15559990000")
	r.SetProviderCallID(c.ID, "pc-1")

	r.Remove(c.ID)

	if _, err := r.Get(c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after remove: %v", err)
	}
	if _, err := r.ByProviderCallID("pc-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ByProviderCallID after remove: %v", err)
	}
	if _, err := r.ConsumeToken(c.WsToken); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("ConsumeToken after remove: %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d", r.ActiveCount())
	}

	// Idempotent.
	r.Remove(c.ID)
}

func TestRegistryMostRecentActive(t *testing.T) {
	r := NewRegistry(3)
	c1, _ := r.Create("+15551234567", "+15559990000")
	c2, _ := r.Create("+15551234567", "+15559990000")
	c2.StartTime = c1.StartTime.Add(time.Second)

	if got := r.MostRecentActive(); got != c2 {
		t.Errorf("MostRecentActive = %v, want c2", got)
	}

	c2.SetHungUp()
	if got := r.MostRecentActive(); got != c1 {
		t.Errorf("after hangup: MostRecentActive = %v, want c1", got)
	}
}

func TestCallHungUpIsMonotonic(t *testing.T) {
	c := newCall("call-1", "+15551234567", "+15559990000", "tok")
	if c.HungUp() {
		t.Fatal("new call already hung up")
	}
	c.SetHungUp()
	c.SetHungUp() // idempotent
	if !c.HungUp() {
		t.Fatal("hangup lost")
	}
	select {
	case <-c.HungUpChan():
	default:
		t.Error("HungUpChan not closed")
	}
}

func TestCallStreamSidSetOnce(t *testing.T) {
	c := newCall("call-1", "+15551234567", "+15559990000", "tok")
	c.SetStreamSid("ss-1")
	c.SetStreamSid("ss-2")
	if c.StreamSid() != "ss-1" {
		t.Errorf("StreamSid = %q, want ss-1", c.StreamSid())
	}
}
