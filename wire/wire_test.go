package wire

import "testing"

func TestKindDiscriminatesVariant(t *testing.T) {
	cases := []struct {
		name string
		msg  ProtMsg
		want string
	}{
		{"init", ProtMsg{RBCInit: &RBCInitMsg{}}, "RBCInit"},
		{"echo", ProtMsg{RBCEcho: &RBCEchoMsg{}}, "RBCEcho"},
		{"gather2", ProtMsg{GatherEcho2: &GatherMsg{}}, "GatherEcho2"},
		{"baa1", ProtMsg{BAAEcho1: &BAAEchoMsg{}}, "BAAEcho1"},
		{"reveal", ProtMsg{BatchSecretReveal: &BatchSecretRevealMsg{}}, "BatchSecretReveal"},
		{"empty", ProtMsg{}, "Unknown"},
	}
	for _, c := range cases {
		if got := c.msg.Kind(); got != c.want {
			t.Errorf("%s: Kind() = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestMACRoundTripVerifies(t *testing.T) {
	key := []byte("pairwise-key")
	payload := ProtMsg{GatherEcho: &GatherMsg{Indices: []Replica{0, 1, 2}, Sender: 3}}

	w, err := NewWrapperMsg(payload, 3, key)
	if err != nil {
		t.Fatalf("NewWrapperMsg: %v", err)
	}
	if !VerifyMAC(w, key) {
		t.Fatal("expected MAC to verify with the correct key")
	}
}

func TestMACRejectsWrongKey(t *testing.T) {
	payload := ProtMsg{RBCInit: &RBCInitMsg{Round: 1}}
	w, err := NewWrapperMsg(payload, 0, []byte("key-a"))
	if err != nil {
		t.Fatalf("NewWrapperMsg: %v", err)
	}
	if VerifyMAC(w, []byte("key-b")) {
		t.Fatal("expected MAC to fail verification with the wrong key")
	}
}

func TestMACRejectsTamperedPayload(t *testing.T) {
	key := []byte("shared-key")
	w, err := NewWrapperMsg(ProtMsg{RBCInit: &RBCInitMsg{Round: 1}}, 0, key)
	if err != nil {
		t.Fatalf("NewWrapperMsg: %v", err)
	}
	w.Payload.RBCInit.Round = 2
	if VerifyMAC(w, key) {
		t.Fatal("expected MAC to fail after payload mutation")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	key := []byte("k")
	w, err := NewWrapperMsg(ProtMsg{DAGVertex: &DAGVertexMsg{Origin: 2, Round: 9}}, 2, key)
	if err != nil {
		t.Fatalf("NewWrapperMsg: %v", err)
	}

	data, err := Marshal(CurrentVersion, w)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, version, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, version)
	}
	if got.Sender != 2 || got.Payload.DAGVertex == nil || got.Payload.DAGVertex.Round != 9 {
		t.Fatalf("unexpected round-tripped message: %+v", got)
	}
	if !VerifyMAC(got, key) {
		t.Fatal("expected round-tripped message to still verify")
	}
}

func TestMarshalRejectsUnsupportedVersion(t *testing.T) {
	w := WrapperMsg{}
	if _, err := Marshal(CodecVersion(99), w); err == nil {
		t.Fatal("expected an error marshaling an unsupported codec version")
	}
}
