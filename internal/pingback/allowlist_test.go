package pingback

import (
	"errors"
	"testing"
)

func TestAllowList_Authorize(t *testing.T) {
	live := []string{"174.36.92.186", "174.36.96.66", "216.127.71.0/24"}
	test := []string{"127.0.0.1", "::1"}

	tests := []struct {
		name     string
		testMode bool
		ip       string
		wantMode Mode
		wantErr  bool
	}{
		{name: "live address", ip: "174.36.92.186", wantMode: ModeLive},
		{name: "live prefix", ip: "216.127.71.23", wantMode: ModeLive},
		{name: "ipv4-mapped live address", ip: "::ffff:174.36.96.66", wantMode: ModeLive},
		{name: "unknown address", ip: "10.0.0.1", wantErr: true},
		{name: "test address with toggle off", ip: "127.0.0.1", wantErr: true},
		{name: "test address with toggle on", testMode: true, ip: "127.0.0.1", wantMode: ModeTest},
		{name: "ipv6 test address", testMode: true, ip: "::1", wantMode: ModeTest},
		{name: "live address with toggle on", testMode: true, ip: "174.36.92.186", wantMode: ModeLive},
		{name: "garbage", ip: "not-an-ip", wantErr: true},
		{name: "empty", ip: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			al, err := NewAllowList(live, test, tt.testMode)
			if err != nil {
				t.Fatalf("NewAllowList() error = %v", err)
			}
			mode, err := al.Authorize(tt.ip)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Authorize(%q) error = %v, want ErrUnauthorized", tt.ip, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize(%q) unexpected error: %v", tt.ip, err)
			}
			if mode != tt.wantMode {
				t.Errorf("Authorize(%q) mode = %v, want %v", tt.ip, mode, tt.wantMode)
			}
		})
	}
}

func TestAllowList_EmptyLiveListAcceptsAll(t *testing.T) {
	al, err := NewAllowList(nil, nil, false)
	if err != nil {
		t.Fatalf("NewAllowList() error = %v", err)
	}
	mode, err := al.Authorize("203.0.113.7")
	if err != nil || mode != ModeLive {
		t.Errorf("Authorize() = %v, %v; want live, nil", mode, err)
	}
	if _, err := al.Authorize("bogus"); err == nil {
		t.Error("unparseable address should still be rejected")
	}
}

func TestNewAllowList_InvalidEntries(t *testing.T) {
	if _, err := NewAllowList([]string{"300.1.1.1"}, nil, false); err == nil {
		t.Error("expected error for invalid live address")
	}
	if _, err := NewAllowList(nil, []string{"10.0.0.0/99"}, true); err == nil {
		t.Error("expected error for invalid test prefix")
	}
}
