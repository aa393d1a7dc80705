package svcnode

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseNetworkAddress_Roundtrip(t *testing.T) {
	addr, err := ParseNetworkAddress("203.0.113.5:9333")
	if err != nil {
		t.Fatalf("ParseNetworkAddress: %v", err)
	}
	if addr.String() != "203.0.113.5:9333" {
		t.Fatalf("String() = %q, want 203.0.113.5:9333", addr.String())
	}
	if addr.IsZero() {
		t.Fatal("IsZero() = true for a parsed address")
	}
}

func TestParseNetworkAddress_BadInput(t *testing.T) {
	cases := []string{"not-an-address", "999.0.0.1:80", "10.0.0.1:notaport", "::1:80"}
	for _, s := range cases {
		if _, err := ParseNetworkAddress(s); !errors.Is(err, ErrBadAddress) {
			t.Errorf("ParseNetworkAddress(%q) err = %v, want ErrBadAddress", s, err)
		}
	}
}

func TestNetworkAddress_Bytes(t *testing.T) {
	addr, err := ParseNetworkAddress("10.0.0.1:256")
	if err != nil {
		t.Fatal(err)
	}
	b := addr.Bytes()
	if len(b) != 6 {
		t.Fatalf("Bytes() len = %d, want 6", len(b))
	}
	want := []byte{10, 0, 0, 1, 1, 0} // port 256 = 0x0100
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("Bytes()[%d] = %d, want %d", i, b[i], want[i])
		}
	}
}

func TestNetworkAddress_JSONRoundtrip(t *testing.T) {
	addr, err := ParseNetworkAddress("198.51.100.7:1234")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(addr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out NetworkAddress
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != addr {
		t.Fatalf("round-tripped address = %+v, want %+v", out, addr)
	}
}

func TestNetworkAddress_JSONEmptyString(t *testing.T) {
	var out NetworkAddress
	if err := json.Unmarshal([]byte(`""`), &out); err != nil {
		t.Fatalf("Unmarshal empty: %v", err)
	}
	if !out.IsZero() {
		t.Fatal("unmarshaling an empty string should leave the address zero")
	}
}

func TestCheckPortPolicy(t *testing.T) {
	mainnetAddr, _ := ParseNetworkAddress("1.2.3.4:9333")
	otherAddr, _ := ParseNetworkAddress("1.2.3.4:9334")

	if err := CheckPortPolicy(mainnetAddr, 9333, true); err != nil {
		t.Errorf("mainnet address on the fixed port: %v", err)
	}
	if err := CheckPortPolicy(otherAddr, 9333, true); !errors.Is(err, ErrBadPort) {
		t.Errorf("mainnet address on the wrong port: err = %v, want ErrBadPort", err)
	}
	if err := CheckPortPolicy(otherAddr, 9333, false); err != nil {
		t.Errorf("testnet address off the mainnet port: %v", err)
	}
	if err := CheckPortPolicy(mainnetAddr, 9333, false); !errors.Is(err, ErrBadPort) {
		t.Errorf("testnet address reusing the mainnet port: err = %v, want ErrBadPort", err)
	}
}
