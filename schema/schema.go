// Package schema defines the closed set of calls that may be sent to a crypto
// engine and the results it may produce, along with their JSON wire form.
//
// Both calls and results are flat JSON objects whose "call" field holds the
// discriminant. Results additionally carry "success" and either "data" (on
// success) or "message" (on failure). Calls and results may carry a non-zero
// numeric "id" used for correlation.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CallTag is the discriminant of calls and results.
type CallTag string

const (
	CTInit             CallTag = "init"
	CTGenerate         CallTag = "generate"
	CTEncrypt          CallTag = "encrypt"
	CTDecrypt          CallTag = "decrypt"
	CTSign             CallTag = "sign"
	CTVerify           CallTag = "verify"
	CTExportPublicKeys CallTag = "export_public_keys"
)

// Tags returns every known tag.
func Tags() []CallTag {
	return []CallTag{CTInit, CTGenerate, CTEncrypt, CTDecrypt, CTSign,
		CTVerify, CTExportPublicKeys}
}

// Known returns true if tag is one of the members of the union.
func (tag CallTag) Known() bool {
	_, ok := callMembers[tag]
	return ok
}

// CallPayload is the tag-specific content of a call. The set of payloads is
// closed: only types in this package implement it.
type CallPayload interface {
	callTag() CallTag
}

// InitCall asks the engine to prepare itself.
type InitCall struct{}

// GenerateCall asks for a new private key set. The signing key is protected
// by MainPassphrase and the encryption key by SubPassphrase.
type GenerateCall struct {
	UserID         string `json:"userId"`
	MainPassphrase string `json:"mainPassphrase"`
	SubPassphrase  string `json:"subPassphrase"`
}

// EncryptCall encrypts Plaintext to every public key in PublicKeys. When
// PrivateKeys is set, the plaintext is also signed with it.
type EncryptCall struct {
	Plaintext   string   `json:"plaintext"`
	PublicKeys  []string `json:"publicKeys"`
	PrivateKeys string   `json:"privateKeys,omitempty"`
	Passphrase  string   `json:"passphrase,omitempty"`
}

// DecryptCall decrypts Ciphertext. If PublicKeys is set, an embedded signature
// is verified against them.
type DecryptCall struct {
	Ciphertext  string   `json:"ciphertext"`
	PrivateKeys string   `json:"privateKeys"`
	Passphrase  string   `json:"passphrase"`
	PublicKeys  []string `json:"publicKeys,omitempty"`
}

type SignCall struct {
	Message     string `json:"message"`
	PrivateKeys string `json:"privateKeys"`
	Passphrase  string `json:"passphrase"`
}

type VerifyCall struct {
	Message    string   `json:"message"`
	Signature  string   `json:"signature"`
	PublicKeys []string `json:"publicKeys"`
}

type ExportPublicKeysCall struct {
	PrivateKeys string `json:"privateKeys"`
}

func (InitCall) callTag() CallTag             { return CTInit }
func (GenerateCall) callTag() CallTag         { return CTGenerate }
func (EncryptCall) callTag() CallTag          { return CTEncrypt }
func (DecryptCall) callTag() CallTag          { return CTDecrypt }
func (SignCall) callTag() CallTag             { return CTSign }
func (VerifyCall) callTag() CallTag           { return CTVerify }
func (ExportPublicKeysCall) callTag() CallTag { return CTExportPublicKeys }

// Call is a request to the engine.
type Call struct {
	// ID is an optional correlation id. Zero means the call is correlated
	// only by its tag.
	ID      uint32
	Payload CallPayload
}

// NewCall returns a call without a correlation id.
func NewCall(p CallPayload) Call {
	return Call{Payload: p}
}

// Tag returns the discriminant of the call.
func (c Call) Tag() CallTag {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.callTag()
}

var errNoPayload = errors.New("call without payload")

func (c Call) MarshalJSON() ([]byte, error) {
	if c.Payload == nil {
		return nil, errNoPayload
	}
	b, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 2)
	}
	obj["call"], _ = json.Marshal(c.Tag())
	if c.ID != 0 {
		obj["id"], _ = json.Marshal(c.ID)
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes and validates a call.
func (c *Call) UnmarshalJSON(b []byte) error {
	v, err := ValidateCall(b)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ResultData is the tag-specific content of a successful result. As with
// CallPayload, the set is closed.
type ResultData interface {
	resultTag() CallTag
}

type InitData struct {
	Version string `json:"version"`
	Ready   bool   `json:"ready"`
}

// GenerateData holds the armored, passphrase protected private keys.
type GenerateData struct {
	Keys string `json:"keys"`
}

type EncryptData struct {
	Ciphertext string `json:"ciphertext"`
}

// DecryptData is the output of a decrypt call. Verified is only true when the
// message carried a signature that matched one of the provided public keys.
type DecryptData struct {
	Plaintext string `json:"plaintext"`
	Verified  bool   `json:"verified"`
	Signer    string `json:"signer,omitempty"`
}

type SignData struct {
	Signature string `json:"signature"`
}

type VerifyData struct {
	Valid  bool   `json:"valid"`
	Signer string `json:"signer,omitempty"`
}

type ExportPublicKeysData struct {
	PublicKeys  string `json:"publicKeys"`
	Fingerprint string `json:"fingerprint"`
}

func (InitData) resultTag() CallTag             { return CTInit }
func (GenerateData) resultTag() CallTag         { return CTGenerate }
func (EncryptData) resultTag() CallTag          { return CTEncrypt }
func (DecryptData) resultTag() CallTag          { return CTDecrypt }
func (SignData) resultTag() CallTag             { return CTSign }
func (VerifyData) resultTag() CallTag           { return CTVerify }
func (ExportPublicKeysData) resultTag() CallTag { return CTExportPublicKeys }

// Result is the outcome of a call.
type Result struct {
	Tag     CallTag
	ID      uint32
	Success bool

	// Message is set only on failures.
	Message string

	// Data is set only on successes. Its concrete type is determined by
	// Tag.
	Data ResultData
}

// Success returns a successful result for data.
func Success(id uint32, data ResultData) Result {
	return Result{Tag: data.resultTag(), ID: id, Success: true, Data: data}
}

// Failure returns a failed result. An empty msg is replaced by a generic one,
// given failures must always carry a message.
func Failure(tag CallTag, id uint32, msg string) Result {
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Tag: tag, ID: id, Message: msg}
}

// Err returns nil for successful results and an error with the failure
// message otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return errors.New(r.Message)
}

type resultWire struct {
	Call    CallTag    `json:"call"`
	ID      uint32     `json:"id,omitempty"`
	Success bool       `json:"success"`
	Data    ResultData `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Tag.Known() {
		return nil, fmt.Errorf("unknown result tag %q", r.Tag)
	}
	w := resultWire{Call: r.Tag, ID: r.ID, Success: r.Success}
	if r.Success {
		if r.Data == nil {
			return nil, fmt.Errorf("successful %s result without data", r.Tag)
		}
		if r.Data.resultTag() != r.Tag {
			return nil, fmt.Errorf("%s result with %s data", r.Tag,
				r.Data.resultTag())
		}
		w.Data = r.Data
	} else {
		if r.Message == "" {
			return nil, fmt.Errorf("failed %s result without message", r.Tag)
		}
		w.Message = r.Message
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates a result.
func (r *Result) UnmarshalJSON(b []byte) error {
	v, err := ValidateResult(b)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
