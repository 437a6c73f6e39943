package schema

import (
	"encoding/json"
	"testing"

	"github.com/companyzero/cryptobridge/internal/assert"
)

func jsonEqual(t testing.TB, got, want []byte) {
	t.Helper()
	var g, w interface{}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unable to decode got: %v", err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unable to decode want: %v", err)
	}
	assert.DeepEqual(t, g, w)
}

// TestCallRoundTrip asserts that valid calls re-encode to the same wire form.
func TestCallRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"call":"init"}`,
		`{"call":"generate","userId":"u1","mainPassphrase":"p1","subPassphrase":"p2"}`,
		`{"call":"encrypt","plaintext":"hi","publicKeys":["k1","k2"]}`,
		`{"call":"encrypt","plaintext":"hi","publicKeys":["k1"],"privateKeys":"sk","passphrase":"pp","id":7}`,
		`{"call":"decrypt","ciphertext":"ct","privateKeys":"sk","passphrase":"pp"}`,
		`{"call":"decrypt","ciphertext":"ct","privateKeys":"sk","passphrase":"pp","publicKeys":["k1"]}`,
		`{"call":"sign","message":"m","privateKeys":"sk","passphrase":"pp"}`,
		`{"call":"verify","message":"m","signature":"s","publicKeys":["k1"]}`,
		`{"call":"export_public_keys","privateKeys":"sk","id":4294967295}`,
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc, func(t *testing.T) {
			c, err := ValidateCall([]byte(tc))
			assert.NilErr(t, err)
			b, err := json.Marshal(c)
			assert.NilErr(t, err)
			jsonEqual(t, b, []byte(tc))
		})
	}
}

// TestResultRoundTrip asserts that valid results re-encode to the same wire
// form and that failure messages are kept verbatim.
func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"call":"init","success":true,"data":{"version":"1.0.0","ready":true}}`,
		`{"call":"generate","success":true,"data":{"keys":"-----BEGIN X-----"}}`,
		`{"call":"generate","success":false,"message":"bad passphrase"}`,
		`{"call":"encrypt","success":true,"data":{"ciphertext":"ct"},"id":3}`,
		`{"call":"decrypt","success":true,"data":{"plaintext":"p","verified":false}}`,
		`{"call":"decrypt","success":true,"data":{"plaintext":"p","verified":true,"signer":"abcd"}}`,
		`{"call":"sign","success":true,"data":{"signature":"s"}}`,
		`{"call":"verify","success":true,"data":{"valid":true,"signer":"abcd"}}`,
		`{"call":"export_public_keys","success":true,"data":{"publicKeys":"pk","fingerprint":"abcd"}}`,
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc, func(t *testing.T) {
			r, err := ValidateResult([]byte(tc))
			assert.NilErr(t, err)
			b, err := json.Marshal(r)
			assert.NilErr(t, err)
			jsonEqual(t, b, []byte(tc))
		})
	}
}

func TestFailureMessageVerbatim(t *testing.T) {
	t.Parallel()

	const msg = "  Wrong passphrase: ünïcode \"quoted\"\n"
	b, err := json.Marshal(Failure(CTDecrypt, 0, msg))
	assert.NilErr(t, err)
	r, err := ValidateResult(b)
	assert.NilErr(t, err)
	assert.BoolIs(t, r.Success, false)
	assert.DeepEqual(t, r.Message, msg)
	assert.DeepEqual(t, r.Err().Error(), msg)
}

// TestValidateCallErrors asserts the path reported on invalid calls.
func TestValidateCallErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"not json", `{"call":`, ""},
		{"not an object", `["init"]`, ""},
		{"no discriminant", `{"userId":"u1"}`, "call"},
		{"discriminant not string", `{"call":1}`, "call"},
		{"unknown discriminant", `{"call":"destroy"}`, "call"},
		{"missing field", `{"call":"generate","userId":"u1","mainPassphrase":"p1"}`, "subPassphrase"},
		{"wrong field type", `{"call":"generate","userId":1,"mainPassphrase":"p1","subPassphrase":"p2"}`, "userId"},
		{"null field", `{"call":"sign","message":null,"privateKeys":"k","passphrase":"p"}`, "message"},
		{"unknown field", `{"call":"init","extra":true}`, "extra"},
		{"list not list", `{"call":"encrypt","plaintext":"p","publicKeys":"k1"}`, "publicKeys"},
		{"list item type", `{"call":"encrypt","plaintext":"p","publicKeys":["k1",2]}`, "publicKeys[1]"},
		{"empty list", `{"call":"verify","message":"m","signature":"s","publicKeys":[]}`, "publicKeys"},
		{"negative id", `{"call":"init","id":-1}`, "id"},
		{"zero id", `{"call":"init","id":0}`, "id"},
		{"fractional id", `{"call":"init","id":1.5}`, "id"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCall([]byte(tc.raw))
			verr := assert.ErrorAs[*ValidationError](t, err)
			assert.DeepEqual(t, verr.Path, tc.path)
		})
	}
}

// TestValidateResultErrors asserts the path reported on invalid results.
func TestValidateResultErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"no success", `{"call":"generate","data":{"keys":"k"}}`, "success"},
		{"success not bool", `{"call":"generate","success":"yes","data":{"keys":"k"}}`, "success"},
		{"success without data", `{"call":"generate","success":true}`, "data"},
		{"success with message", `{"call":"generate","success":true,"data":{"keys":"k"},"message":"m"}`, "message"},
		{"data not object", `{"call":"generate","success":true,"data":"k"}`, "data"},
		{"data missing field", `{"call":"generate","success":true,"data":{}}`, "data.keys"},
		{"data wrong type", `{"call":"generate","success":true,"data":{"keys":true}}`, "data.keys"},
		{"data of other member", `{"call":"generate","success":true,"data":{"ciphertext":"c"}}`, "data.keys"},
		{"data unknown field", `{"call":"generate","success":true,"data":{"keys":"k","extra":1}}`, "data.extra"},
		{"failure without message", `{"call":"sign","success":false}`, "message"},
		{"failure with empty message", `{"call":"sign","success":false,"message":""}`, "message"},
		{"failure with data", `{"call":"sign","success":false,"message":"m","data":{"signature":"s"}}`, "data"},
		{"unknown discriminant", `{"call":"destroy","success":false,"message":"m"}`, "call"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateResult([]byte(tc.raw))
			verr := assert.ErrorAs[*ValidationError](t, err)
			assert.DeepEqual(t, verr.Path, tc.path)
		})
	}
}

// TestMarshalInconsistentResult asserts results that could not be validated
// on the other side are not encoded.
func TestMarshalInconsistentResult(t *testing.T) {
	t.Parallel()

	tests := []Result{
		{Tag: CTGenerate, Success: true},
		{Tag: CTGenerate, Success: true, Data: SignData{Signature: "s"}},
		{Tag: CTGenerate},
		{Tag: "destroy", Message: "m"},
	}
	for _, r := range tests {
		if _, err := json.Marshal(r); err == nil {
			t.Fatalf("expected error marshalling %#v", r)
		}
	}

	if _, err := json.Marshal(Call{}); err == nil {
		t.Fatal("expected error marshalling call without payload")
	}
}

func TestHeaderHelpers(t *testing.T) {
	t.Parallel()

	tag, ok := TagOf([]byte(`{"call":"sign","garbage":1}`))
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, tag, CTSign)

	_, ok = TagOf([]byte(`{"call":"destroy"}`))
	assert.BoolIs(t, ok, false)

	assert.DeepEqual(t, IDOf([]byte(`{"call":"sign","id":12}`)), uint32(12))
	assert.DeepEqual(t, IDOf([]byte(`{"call":"sign"}`)), uint32(0))
}

func TestUnmarshalIntoTypes(t *testing.T) {
	t.Parallel()

	var c Call
	err := json.Unmarshal([]byte(`{"call":"generate","userId":"u1","mainPassphrase":"p1","subPassphrase":"p2"}`), &c)
	assert.NilErr(t, err)
	assert.DeepEqual(t, c.Payload, CallPayload(GenerateCall{UserID: "u1", MainPassphrase: "p1", SubPassphrase: "p2"}))

	var r Result
	err = json.Unmarshal([]byte(`{"call":"generate","success":true}`), &r)
	assert.ErrorAs[*ValidationError](t, err)
}
