package webhook

import "testing"

func TestSign_StableAcrossRepeatedCalls(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated"}`)
	sig1 := Sign("secret", 1000, payload)
	sig2 := Sign("secret", 1000, payload)
	if sig1 != sig2 {
		t.Fatalf("signing the same bytes twice must be deterministic, got %q and %q", sig1, sig2)
	}
}

func TestSign_DiffersOnPayloadOrTimestampChange(t *testing.T) {
	base := Sign("secret", 1000, []byte("a"))
	if Sign("secret", 1000, []byte("b")) == base {
		t.Error("different payload must change the signature")
	}
	if Sign("secret", 1001, []byte("a")) == base {
		t.Error("different timestamp must change the signature")
	}
	if Sign("other-secret", 1000, []byte("a")) == base {
		t.Error("different secret must change the signature")
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := Sign("secret", 42, payload)
	if !Verify("secret", 42, payload, sig) {
		t.Fatal("verify must accept a signature it just produced")
	}
	if Verify("secret", 42, payload, "deadbeef") {
		t.Fatal("verify must reject a bad signature")
	}
	if Verify("wrong-secret", 42, payload, sig) {
		t.Fatal("verify must reject a signature produced with a different secret")
	}
}

func TestMarshal_StableKeyOrder(t *testing.T) {
	ev := Event{
		Type: "subscription.updated",
		Data: EventData{
			Subscription: SubscriptionView{ID: "0xAAA", Status: "active", Amount: "1.50", PeriodInSeconds: 2592000},
		},
	}
	b1, err := Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	b2, err := Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatal("marshaling the same event twice must produce identical bytes (stable key order)")
	}
}
