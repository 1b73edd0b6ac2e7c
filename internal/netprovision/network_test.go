package netprovision

import "testing"

func TestGuestGateway(t *testing.T) {
	got, err := GuestGateway("172.16.0.1/24")
	if err != nil {
		t.Fatalf("GuestGateway: %v", err)
	}
	if got != "172.16.0.1" {
		t.Fatalf("GuestGateway = %q, want 172.16.0.1", got)
	}
}

func TestGuestGatewayInvalidCIDR(t *testing.T) {
	if _, err := GuestGateway("not-a-cidr"); err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}
