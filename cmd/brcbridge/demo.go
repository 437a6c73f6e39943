package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/companyzero/cryptobridge/convo"
	"github.com/companyzero/cryptobridge/keyring"
	"github.com/companyzero/cryptobridge/sessionkeys"
)

const demoThread = "demo"

// cmdDemo runs a conversation between two local users sharing the same
// engine. The first message is composed before the keys are exchanged, so it
// is queued and later flushed. When a keyring passphrase is given, alice
// promotes the thread keys to her keyring and keeps using them after the
// session keys are cleared.
func cmdDemo(ctx context.Context, a *app, args []string) error {
	fs := newCmdFlagSet("demo")
	ringDir := fs.String("keyring", filepath.Join(a.cfg.RootDir, "keyring"), "Keyring directory")
	ringPass := fs.String("ringpass", "", "Keyring passphrase (no keyring is used when empty)")
	ringScryptN := fs.Int("ringscryptn", keyring.DefaultScryptParams.N, "Key derivation work factor of a new keyring")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var ring *keyring.Keyring
	if pass := passphrase(*ringPass); pass != "" {
		var err error
		ring, err = keyring.Open(ctx, *ringDir, pass,
			keyring.WithLogger(a.logBknd.logger("KRNG")),
			keyring.WithScryptParams(keyring.ScryptParams{N: *ringScryptN, R: 8, P: 1}))
		if err != nil {
			return err
		}
		defer ring.Close()
	}

	bobKeys, err := sessionkeys.New(sessionkeys.WithLogger(a.logBknd.logger("SKEY")))
	if err != nil {
		return err
	}
	defer bobKeys.Close()

	alice := convo.New(a.b, a.keys,
		convo.WithUserID("alice"),
		convo.WithKeyring(ring),
		convo.WithLogger(a.logBknd.logger("ALCE")))
	bob := convo.New(a.b, bobKeys,
		convo.WithUserID("bob"),
		convo.WithLogger(a.logBknd.logger("BOB ")))

	initCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	data, err := alice.Init(initCtx)
	cancel()
	if err != nil {
		return err
	}
	a.printf("engine %s ready\n", data.Version)

	if err := alice.SetParticipants(demoThread, []string{"bob"}); err != nil {
		return err
	}
	if err := bob.SetParticipants(demoThread, []string{"alice"}); err != nil {
		return err
	}

	out, err := alice.Compose(ctx, demoThread, "hello bob, this was queued")
	if err != nil {
		return err
	}
	a.printf("alice composed a message (queued: %v)\n", out.Queued)

	alicePub, err := alice.BeginExchange(ctx, demoThread)
	if err != nil {
		return err
	}
	bobPub, err := bob.BeginExchange(ctx, demoThread)
	if err != nil {
		return err
	}
	if _, err := alice.AcceptPeerKey(demoThread, "bob", bobPub); err != nil {
		return err
	}
	ready, err := bob.AcceptPeerKey(demoThread, "alice", alicePub)
	if err != nil {
		return err
	}
	a.printf("keys exchanged (ready: %v)\n", ready && alice.Ready(demoThread))

	// Bob receives alice's queued messages.
	_, err = alice.Flush(ctx, demoThread, func(batch []convo.Outgoing) error {
		for _, out := range batch {
			if err := a.receive(ctx, bob, "bob", out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	out, err = bob.Compose(ctx, demoThread, "hello alice")
	if err != nil {
		return err
	}
	if err := a.receive(ctx, alice, "alice", out); err != nil {
		return err
	}

	if ring != nil {
		if err := alice.Promote(demoThread); err != nil {
			return err
		}
		a.printf("alice promoted the thread keys to %s\n", *ringDir)
		out, err = alice.Compose(ctx, demoThread, "sent with durable keys")
		if err != nil {
			return err
		}
		if err := a.receive(ctx, bob, "bob", out); err != nil {
			return err
		}
	}

	if err := alice.End(demoThread); err != nil {
		return err
	}
	return bob.End(demoThread)
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) receive(ctx context.Context, mgr *convo.Manager, name string, out convo.Outgoing) error {
	in, err := mgr.Open(ctx, out.ThreadID, out.Ciphertext)
	if err != nil {
		return err
	}
	a.printf("%s received %q (verified: %v, signer: %s)\n", name,
		in.Plaintext, in.Verified, in.Signer)
	return nil
}
