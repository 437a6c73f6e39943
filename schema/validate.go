package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ValidationError is returned when a raw message does not match exactly one
// member of the call or result union.
type ValidationError struct {
	// Path locates the violation, for example "call", "publicKeys[1]" or
	// "data.keys". It is empty when the message as a whole is invalid.
	Path   string
	Reason string
}

func (err *ValidationError) Error() string {
	if err.Path == "" {
		return "invalid message: " + err.Reason
	}
	return fmt.Sprintf("invalid message at %s: %s", err.Path, err.Reason)
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindStringList
	kindBool
	kindObject
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "a string"
	case kindStringList:
		return "a list of strings"
	case kindBool:
		return "a boolean"
	case kindObject:
		return "an object"
	default:
		return "unknown"
	}
}

type field struct {
	name     string
	kind     fieldKind
	required bool

	// nonEmpty requires strings to have at least one char and lists at
	// least one item.
	nonEmpty bool
}

func req(name string, kind fieldKind) field { return field{name: name, kind: kind, required: true} }
func opt(name string, kind fieldKind) field { return field{name: name, kind: kind} }

type callMember struct {
	fields []field
	decode func([]byte) (CallPayload, error)
}

type resultMember struct {
	fields []field
	decode func([]byte) (ResultData, error)
}

func decodeCallAs[T CallPayload](b []byte) (CallPayload, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

func decodeDataAs[T ResultData](b []byte) (ResultData, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

var callMembers = map[CallTag]callMember{
	CTInit: {
		decode: decodeCallAs[InitCall],
	},
	CTGenerate: {
		fields: []field{
			req("userId", kindString),
			req("mainPassphrase", kindString),
			req("subPassphrase", kindString),
		},
		decode: decodeCallAs[GenerateCall],
	},
	CTEncrypt: {
		fields: []field{
			req("plaintext", kindString),
			{name: "publicKeys", kind: kindStringList, required: true, nonEmpty: true},
			opt("privateKeys", kindString),
			opt("passphrase", kindString),
		},
		decode: decodeCallAs[EncryptCall],
	},
	CTDecrypt: {
		fields: []field{
			req("ciphertext", kindString),
			req("privateKeys", kindString),
			req("passphrase", kindString),
			opt("publicKeys", kindStringList),
		},
		decode: decodeCallAs[DecryptCall],
	},
	CTSign: {
		fields: []field{
			req("message", kindString),
			req("privateKeys", kindString),
			req("passphrase", kindString),
		},
		decode: decodeCallAs[SignCall],
	},
	CTVerify: {
		fields: []field{
			req("message", kindString),
			req("signature", kindString),
			{name: "publicKeys", kind: kindStringList, required: true, nonEmpty: true},
		},
		decode: decodeCallAs[VerifyCall],
	},
	CTExportPublicKeys: {
		fields: []field{
			req("privateKeys", kindString),
		},
		decode: decodeCallAs[ExportPublicKeysCall],
	},
}

var resultMembers = map[CallTag]resultMember{
	CTInit: {
		fields: []field{req("version", kindString), req("ready", kindBool)},
		decode: decodeDataAs[InitData],
	},
	CTGenerate: {
		fields: []field{req("keys", kindString)},
		decode: decodeDataAs[GenerateData],
	},
	CTEncrypt: {
		fields: []field{req("ciphertext", kindString)},
		decode: decodeDataAs[EncryptData],
	},
	CTDecrypt: {
		fields: []field{
			req("plaintext", kindString),
			req("verified", kindBool),
			opt("signer", kindString),
		},
		decode: decodeDataAs[DecryptData],
	},
	CTSign: {
		fields: []field{req("signature", kindString)},
		decode: decodeDataAs[SignData],
	},
	CTVerify: {
		fields: []field{req("valid", kindBool), opt("signer", kindString)},
		decode: decodeDataAs[VerifyData],
	},
	CTExportPublicKeys: {
		fields: []field{
			req("publicKeys", kindString),
			req("fingerprint", kindString),
		},
		decode: decodeDataAs[ExportPublicKeysData],
	},
}

var (
	successEnvelope = []field{req("data", kindObject)}
	failureEnvelope = []field{{name: "message", kind: kindString, required: true, nonEmpty: true}}
)

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// firstByte returns the first non-whitespace byte of a raw json value.
func firstByte(raw json.RawMessage) byte {
	b := bytes.TrimLeft(raw, " \t\r\n")
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func decodeObject(raw []byte, path string) (map[string]json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, &ValidationError{Path: path, Reason: "malformed json"}
	}
	if firstByte(raw) != '{' {
		return nil, &ValidationError{Path: path, Reason: "must be an object"}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &ValidationError{Path: path, Reason: err.Error()}
	}
	return obj, nil
}

func checkKind(raw json.RawMessage, f field, path string) error {
	wrongType := &ValidationError{Path: path, Reason: "must be " + f.kind.String()}
	switch f.kind {
	case kindString:
		if firstByte(raw) != '"' {
			return wrongType
		}
		if f.nonEmpty {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil || s == "" {
				return &ValidationError{Path: path, Reason: "must not be empty"}
			}
		}

	case kindStringList:
		if firstByte(raw) != '[' {
			return wrongType
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return wrongType
		}
		if f.nonEmpty && len(items) == 0 {
			return &ValidationError{Path: path, Reason: "must not be empty"}
		}
		for i, item := range items {
			if firstByte(item) != '"' {
				return &ValidationError{
					Path:   fmt.Sprintf("%s[%d]", path, i),
					Reason: "must be a string",
				}
			}
		}

	case kindBool:
		if c := firstByte(raw); c != 't' && c != 'f' {
			return wrongType
		}

	case kindObject:
		if firstByte(raw) != '{' {
			return wrongType
		}
	}
	return nil
}

// checkFields verifies obj has every required field, that every present field
// has the right kind and that there are no fields other than the listed ones.
func checkFields(obj map[string]json.RawMessage, fields []field, prefix string) error {
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.name] = struct{}{}
		path := joinPath(prefix, f.name)
		raw, ok := obj[f.name]
		if !ok {
			if f.required {
				return &ValidationError{Path: path, Reason: "missing required field"}
			}
			continue
		}
		if err := checkKind(raw, f, path); err != nil {
			return err
		}
	}

	var unknown []string
	for name := range obj {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Path: joinPath(prefix, unknown[0]), Reason: "unknown field"}
	}
	return nil
}

// decodeHeader extracts the tag and optional id from obj, removing both keys.
func decodeHeader(obj map[string]json.RawMessage) (CallTag, uint32, error) {
	rawTag, ok := obj["call"]
	if !ok {
		return "", 0, &ValidationError{Path: "call", Reason: "missing discriminant"}
	}
	if firstByte(rawTag) != '"' {
		return "", 0, &ValidationError{Path: "call", Reason: "must be a string"}
	}
	var tag CallTag
	if err := json.Unmarshal(rawTag, &tag); err != nil {
		return "", 0, &ValidationError{Path: "call", Reason: err.Error()}
	}
	if !tag.Known() {
		return tag, 0, &ValidationError{Path: "call", Reason: fmt.Sprintf("unknown call %q", tag)}
	}

	var id uint32
	if rawID, ok := obj["id"]; ok {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return tag, 0, &ValidationError{Path: "id", Reason: "must be an unsigned 32 bit integer"}
		}
		if id == 0 {
			return tag, 0, &ValidationError{Path: "id", Reason: "must not be zero"}
		}
	}

	delete(obj, "call")
	delete(obj, "id")
	return tag, id, nil
}

// ValidateCall decodes raw into a Call, failing with a *ValidationError unless
// raw matches exactly one member of the call union.
func ValidateCall(raw []byte) (Call, error) {
	obj, err := decodeObject(raw, "")
	if err != nil {
		return Call{}, err
	}
	tag, id, err := decodeHeader(obj)
	if err != nil {
		return Call{}, err
	}
	m := callMembers[tag]
	if err := checkFields(obj, m.fields, ""); err != nil {
		return Call{}, err
	}
	payload, err := m.decode(raw)
	if err != nil {
		return Call{}, &ValidationError{Reason: err.Error()}
	}
	return Call{ID: id, Payload: payload}, nil
}

// ValidateResult decodes raw into a Result, failing with a *ValidationError
// unless raw matches exactly one member of the result union.
func ValidateResult(raw []byte) (Result, error) {
	obj, err := decodeObject(raw, "")
	if err != nil {
		return Result{}, err
	}
	tag, id, err := decodeHeader(obj)
	if err != nil {
		return Result{}, err
	}

	rawSuccess, ok := obj["success"]
	if !ok {
		return Result{}, &ValidationError{Path: "success", Reason: "missing required field"}
	}
	var success bool
	if err := checkKind(rawSuccess, req("success", kindBool), "success"); err != nil {
		return Result{}, err
	}
	if err := json.Unmarshal(rawSuccess, &success); err != nil {
		return Result{}, &ValidationError{Path: "success", Reason: err.Error()}
	}
	delete(obj, "success")

	if !success {
		if err := checkFields(obj, failureEnvelope, ""); err != nil {
			return Result{}, err
		}
		var msg string
		if err := json.Unmarshal(obj["message"], &msg); err != nil {
			return Result{}, &ValidationError{Path: "message", Reason: err.Error()}
		}
		return Result{Tag: tag, ID: id, Message: msg}, nil
	}

	if err := checkFields(obj, successEnvelope, ""); err != nil {
		return Result{}, err
	}
	rawData := obj["data"]
	dataObj, err := decodeObject(rawData, "data")
	if err != nil {
		return Result{}, err
	}
	m := resultMembers[tag]
	if err := checkFields(dataObj, m.fields, "data"); err != nil {
		return Result{}, err
	}
	data, err := m.decode(rawData)
	if err != nil {
		return Result{}, &ValidationError{Path: "data", Reason: err.Error()}
	}
	return Result{Tag: tag, ID: id, Success: true, Data: data}, nil
}

// TagOf extracts just the discriminant of a raw message, without validating
// the rest of it. It returns false if raw has no known tag.
func TagOf(raw []byte) (CallTag, bool) {
	var hdr struct {
		Call CallTag `json:"call"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", false
	}
	return hdr.Call, hdr.Call.Known()
}

// IDOf extracts just the correlation id of a raw message. It returns zero if
// raw has none.
func IDOf(raw []byte) uint32 {
	var hdr struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return 0
	}
	return hdr.ID
}
