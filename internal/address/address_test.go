package address

import (
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	a, err := Parse("1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := a.Short(); got != "1HeLLo...bTf3D" {
		t.Fatalf("Short() = %q, want %q", got, "1HeLLo...bTf3D")
	}
	if a.String() != "1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D" {
		t.Fatalf("String() = %q", a.String())
	}
}

func TestParse_TestAddress(t *testing.T) {
	a, err := Parse("Test")
	if err != nil {
		t.Fatalf("Parse(Test): %v", err)
	}
	if a.Short() != "Test" {
		t.Fatalf("Short() = %q, want Test", a.Short())
	}
}

func TestParse_Invalid(t *testing.T) {
	bad := []string{
		"badinput",
		"",
		"2HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D",
		"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D1234",
		"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf30", // '0' is not base58
		"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf/D",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestHash(t *testing.T) {
	a := MustParse("Test")
	// sha256("Test")
	want := "532eaabd9574880dbf76b9b8cc00832c20a6ec113d682299550d7a6e0f345e25"
	if got := hex.EncodeToString(a.Hash()); got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}
}

func TestJSON(t *testing.T) {
	var v struct {
		Address Address `json:"address"`
	}
	if err := json.Unmarshal([]byte(`{"address":"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D"}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"address":"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D"}` {
		t.Fatalf("Marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"address":"nope"}`), &v); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
