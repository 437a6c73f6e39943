package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/companyzero/cryptobridge/bridge"
	"github.com/companyzero/cryptobridge/convo"
	"github.com/companyzero/cryptobridge/internal/strescape"
	"github.com/companyzero/cryptobridge/schema"
	"github.com/companyzero/cryptobridge/sessionkeys"
	"github.com/decred/slog"
	"github.com/mitchellh/go-homedir"
)

// passEnvVar is read when a passphrase flag is not provided.
const passEnvVar = "BRCBRIDGE_PASS"

type app struct {
	cfg     *config
	logBknd *logBackend
	log     slog.Logger
	b       *bridge.Bridge
	keys    *sessionkeys.Store
	in      io.Reader
	out     io.Writer
}

type command struct {
	name  string
	descr string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"init", "Start the engine and show its version", cmdInit},
	{"generate", "Generate a key set: generate [-mainpass p] [-subpass p] [-out file] <userid>", cmdGenerate},
	{"pubkey", "Show the public keys of a key set: pubkey <keyfile>", cmdPubKey},
	{"encrypt", "Encrypt a message: encrypt -to pubfile [-key keyfile] [-in file]", cmdEncrypt},
	{"decrypt", "Decrypt a message: decrypt -key keyfile [-from pubfile] [-in file]", cmdDecrypt},
	{"sign", "Sign a message: sign -key keyfile [-in file]", cmdSign},
	{"verify", "Verify a signature: verify -sig file -from pubfile [-in file]", cmdVerify},
	{"demo", "Run a two party conversation through the engine", cmdDemo},
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// request runs p in the engine, bounded by the configured call timeout.
// Failures reported by the engine are returned as errors.
func request[T schema.ResultData](ctx context.Context, a *app, p schema.CallPayload) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	res, err := a.b.Request(ctx, schema.NewCall(p))
	if err != nil {
		return zero, err
	}
	if err := res.Err(); err != nil {
		return zero, fmt.Errorf("%s failed: %w", res.Tag, err)
	}
	data, ok := res.Data.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %T data in %s result", res.Data, res.Tag)
	}
	return data, nil
}

func newCmdFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func readFile(fname string) (string, error) {
	fname, err := homedir.Expand(fname)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(fname)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFiles(fnames []string) ([]string, error) {
	res := make([]string, 0, len(fnames))
	for _, fname := range fnames {
		s, err := readFile(fname)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// readInput reads the message from fname, or from the app input when fname is
// empty or "-".
func (a *app) readInput(fname string) (string, error) {
	if fname == "" || fname == "-" {
		b, err := io.ReadAll(a.in)
		return string(b), err
	}
	return readFile(fname)
}

// writeOutput writes s to fname, or to the app output when fname is empty.
// Files are only readable by the user, as they may hold secrets.
func (a *app) writeOutput(fname, s string) error {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	if fname == "" {
		_, err := io.WriteString(a.out, s)
		return err
	}
	fname, err := homedir.Expand(fname)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
		return err
	}
	return os.WriteFile(fname, []byte(s), 0o600)
}

func passphrase(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(passEnvVar)
}

func cmdInit(ctx context.Context, a *app, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	mgr := convo.New(a.b, a.keys, convo.WithLogger(a.logBknd.logger("CONV")))
	data, err := mgr.Init(ctx)
	if err != nil {
		return err
	}
	return a.writeOutput("", fmt.Sprintf("engine version %s ready", data.Version))
}

func cmdGenerate(ctx context.Context, a *app, args []string) error {
	fs := newCmdFlagSet("generate")
	mainPass := fs.String("mainpass", "", "Passphrase of the signing key")
	subPass := fs.String("subpass", "", "Passphrase of the encryption key (defaults to mainpass)")
	out := fs.String("out", "", "File to write the key set to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("generate needs exactly one user id")
	}
	mainP := passphrase(*mainPass)
	subP := *subPass
	if subP == "" {
		subP = mainP
	}
	data, err := request[schema.GenerateData](ctx, a, schema.GenerateCall{
		UserID:         fs.Arg(0),
		MainPassphrase: mainP,
		SubPassphrase:  subP,
	})
	if err != nil {
		return err
	}
	return a.writeOutput(*out, data.Keys)
}

func cmdPubKey(ctx context.Context, a *app, args []string) error {
	fs := newCmdFlagSet("pubkey")
	onlyFP := fs.Bool("fp", false, "Only show the fingerprint")
	out := fs.String("out", "", "File to write the public keys to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("pubkey needs exactly one key file")
	}
	keys, err := readFile(fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := request[schema.ExportPublicKeysData](ctx, a, schema.ExportPublicKeysCall{
		PrivateKeys: keys,
	})
	if err != nil {
		return err
	}
	if *onlyFP {
		return a.writeOutput(*out, data.Fingerprint)
	}
	return a.writeOutput(*out, data.PublicKeys)
}

func cmdEncrypt(ctx context.Context, a *app, args []string) error {
	var to cfgStringArray
	fs := newCmdFlagSet("encrypt")
	fs.Var(&to, "to", "Public keys file of a recipient (repeatable)")
	keyFile := fs.String("key", "", "Key set to sign the message with")
	pass := fs.String("pass", "", "Passphrase of the signing key")
	in := fs.String("in", "", "Message file (defaults to stdin)")
	out := fs.String("out", "", "File to write the ciphertext to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(to) == 0 {
		return errors.New("encrypt needs at least one recipient")
	}
	pubKeys, err := readFiles(to)
	if err != nil {
		return err
	}
	plaintext, err := a.readInput(*in)
	if err != nil {
		return err
	}
	call := schema.EncryptCall{Plaintext: plaintext, PublicKeys: pubKeys}
	if *keyFile != "" {
		if call.PrivateKeys, err = readFile(*keyFile); err != nil {
			return err
		}
		call.Passphrase = passphrase(*pass)
	}
	data, err := request[schema.EncryptData](ctx, a, call)
	if err != nil {
		return err
	}
	return a.writeOutput(*out, data.Ciphertext)
}

func cmdDecrypt(ctx context.Context, a *app, args []string) error {
	var from cfgStringArray
	fs := newCmdFlagSet("decrypt")
	keyFile := fs.String("key", "", "Key set of the recipient")
	pass := fs.String("pass", "", "Passphrase of the encryption key")
	fs.Var(&from, "from", "Public keys file of an expected signer (repeatable)")
	in := fs.String("in", "", "Ciphertext file (defaults to stdin)")
	out := fs.String("out", "", "File to write the plaintext to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return errors.New("decrypt needs a key set")
	}
	keys, err := readFile(*keyFile)
	if err != nil {
		return err
	}
	pubKeys, err := readFiles(from)
	if err != nil {
		return err
	}
	ciphertext, err := a.readInput(*in)
	if err != nil {
		return err
	}
	data, err := request[schema.DecryptData](ctx, a, schema.DecryptCall{
		Ciphertext:  ciphertext,
		PrivateKeys: keys,
		Passphrase:  passphrase(*pass),
		PublicKeys:  pubKeys,
	})
	if err != nil {
		return err
	}
	switch {
	case data.Verified:
		a.log.Infof("Good signature from %s", strescape.Identifier(data.Signer))
	case len(pubKeys) > 0:
		a.log.Warnf("Message is NOT signed by any of the expected signers")
	}
	if *out == "" {
		// Decrypted content is untrusted.
		return a.writeOutput("", strescape.Terminal(data.Plaintext))
	}
	return a.writeOutput(*out, data.Plaintext)
}

func cmdSign(ctx context.Context, a *app, args []string) error {
	fs := newCmdFlagSet("sign")
	keyFile := fs.String("key", "", "Key set of the signer")
	pass := fs.String("pass", "", "Passphrase of the signing key")
	in := fs.String("in", "", "Message file (defaults to stdin)")
	out := fs.String("out", "", "File to write the signature to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return errors.New("sign needs a key set")
	}
	keys, err := readFile(*keyFile)
	if err != nil {
		return err
	}
	msg, err := a.readInput(*in)
	if err != nil {
		return err
	}
	data, err := request[schema.SignData](ctx, a, schema.SignCall{
		Message:     msg,
		PrivateKeys: keys,
		Passphrase:  passphrase(*pass),
	})
	if err != nil {
		return err
	}
	return a.writeOutput(*out, data.Signature)
}

func cmdVerify(ctx context.Context, a *app, args []string) error {
	var from cfgStringArray
	fs := newCmdFlagSet("verify")
	sigFile := fs.String("sig", "", "Signature file")
	fs.Var(&from, "from", "Public keys file of an accepted signer (repeatable)")
	in := fs.String("in", "", "Message file (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sigFile == "" || len(from) == 0 {
		return errors.New("verify needs a signature and at least one signer")
	}
	sig, err := readFile(*sigFile)
	if err != nil {
		return err
	}
	pubKeys, err := readFiles(from)
	if err != nil {
		return err
	}
	msg, err := a.readInput(*in)
	if err != nil {
		return err
	}
	data, err := request[schema.VerifyData](ctx, a, schema.VerifyCall{
		Message:    msg,
		Signature:  sig,
		PublicKeys: pubKeys,
	})
	if err != nil {
		return err
	}
	if !data.Valid {
		return errors.New("signature is not valid")
	}
	return a.writeOutput("", fmt.Sprintf("good signature from %s",
		strescape.Identifier(data.Signer)))
}
