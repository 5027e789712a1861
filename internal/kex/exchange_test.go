package kex

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"hash"
	"testing"

	"github.com/acolita/sshcore/internal/adapters/realcrypto"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/testing/fakes/fakerand"
	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/ssh"
)

const (
	clientVersion = "SSH-2.0-Foo"
	serverVersion = "SSH-2.0-OpenSSH_9.0"
)

// testServer plays the server half of one key exchange.
type testServer struct {
	t          *testing.T
	signer     ssh.Signer
	hostAlg    string
	kexInit    []byte
	corruptSig bool
}

func newTestServer(t *testing.T, signer ssh.Signer, kexAlg, hostAlg string) *testServer {
	t.Helper()
	prefs := DefaultPreferences()
	prefs.KEX = []string{kexAlg}
	prefs.HostKey = []string{hostAlg}
	return &testServer{
		t:       t,
		signer:  signer,
		hostAlg: hostAlg,
		kexInit: BuildKexInit([16]byte{0xAB}, prefs),
	}
}

// reply answers a KEXDH_INIT and returns the reply payload plus the server's
// view of H and K.
func (s *testServer) reply(kexAlg string, clientInit, clientKexInit []byte) (payload, h, k []byte) {
	s.t.Helper()
	crypto := realcrypto.New()

	p, err := wire.NewMessageParser(clientInit, wire.MsgKexDHInit)
	if err != nil {
		s.t.Fatal(err)
	}
	var clientPub []byte
	if IsFiniteField(kexAlg) {
		clientPub = p.MPInt()
	} else {
		clientPub = p.Bytes()
	}
	if p.Err() != nil {
		s.t.Fatal(p.Err())
	}

	agreement, err := crypto.KeyExchange(kexAlg, rand.Reader)
	if err != nil {
		s.t.Fatal(err)
	}
	k, err = agreement.SharedSecret(clientPub)
	if err != nil {
		s.t.Fatal(err)
	}

	hashName, _ := HashName(kexAlg)
	newHash := func() hash.Hash { d, _ := crypto.NewHash(hashName); return d }
	hostKey := s.signer.PublicKey().Marshal()
	h = ExchangeHash(newHash, HashInput{
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		ClientKexInit: clientKexInit,
		ServerKexInit: s.kexInit,
		HostKey:       hostKey,
		ClientPublic:  clientPub,
		ServerPublic:  agreement.PublicKey(),
		SharedSecret:  k,
		FiniteField:   IsFiniteField(kexAlg),
	})

	var sig *ssh.Signature
	if as, ok := s.signer.(ssh.AlgorithmSigner); ok && s.hostAlg != s.signer.PublicKey().Type() {
		sig, err = as.SignWithAlgorithm(rand.Reader, h, s.hostAlg)
	} else {
		sig, err = s.signer.Sign(rand.Reader, h)
	}
	if err != nil {
		s.t.Fatal(err)
	}
	if s.corruptSig {
		sig.Blob[len(sig.Blob)-1] ^= 0xFF
	}

	b := wire.NewBuilder(wire.MsgKexDHReply).Bytes(hostKey)
	if IsFiniteField(kexAlg) {
		b.MPInt(agreement.PublicKey())
	} else {
		b.Bytes(agreement.PublicKey())
	}
	b.Bytes(MarshalSignature(sig))
	return b.Payload(), h, k
}

func ed25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func runExchange(t *testing.T, srv *testServer, kexAlg string) (*Result, []byte, []byte, error) {
	t.Helper()
	clientKexInit := BuildKexInit([16]byte{0x01}, DefaultPreferences())
	ctx := NewContext(realcrypto.New(), clientVersion, serverVersion, clientKexInit)

	initPayload, ignore, err := ctx.HandleServerKexInit(srv.kexInit, DefaultPreferences(), fakerand.New(nil))
	if err != nil {
		t.Fatalf("HandleServerKexInit() error = %v", err)
	}
	if ignore {
		t.Error("unexpected wrong guess")
	}
	if ctx.Algorithms.KEX != kexAlg {
		t.Fatalf("negotiated KEX = %q, want %q", ctx.Algorithms.KEX, kexAlg)
	}

	reply, h, k := srv.reply(kexAlg, initPayload, clientKexInit)
	res, err := ctx.HandleReply(reply)
	return res, h, k, err
}

func TestExchangeAgreesWithServer(t *testing.T) {
	signer := ed25519Signer(t)
	for _, kexAlg := range DefaultPreferences().KEX {
		t.Run(kexAlg, func(t *testing.T) {
			srv := newTestServer(t, signer, kexAlg, "ssh-ed25519")
			res, h, k, err := runExchange(t, srv, kexAlg)
			if err != nil {
				t.Fatalf("HandleReply() error = %v", err)
			}
			if !bytes.Equal(res.H, h) {
				t.Error("client and server exchange hashes differ")
			}
			if !bytes.Equal(res.SharedSecret, k) {
				t.Error("client and server shared secrets differ")
			}
			if res.HostKeyType != "ssh-ed25519" {
				t.Errorf("HostKeyType = %q", res.HostKeyType)
			}
			if !bytes.Equal(res.HostKey, signer.PublicKey().Marshal()) {
				t.Error("HostKey is not K_S")
			}
		})
	}
}

func TestExchangeHostKeyAlgorithms(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecSigner, _ := ssh.NewSignerFromKey(ecKey)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	rsaSigner, _ := ssh.NewSignerFromKey(rsaKey)

	tests := []struct {
		hostAlg string
		signer  ssh.Signer
	}{
		{"ecdsa-sha2-nistp256", ecSigner},
		{"rsa-sha2-512", rsaSigner},
		{"rsa-sha2-256", rsaSigner},
	}
	for _, tt := range tests {
		t.Run(tt.hostAlg, func(t *testing.T) {
			srv := newTestServer(t, tt.signer, "curve25519-sha256", tt.hostAlg)
			res, _, _, err := runExchange(t, srv, "curve25519-sha256")
			if err != nil {
				t.Fatalf("HandleReply() error = %v", err)
			}
			if res.Algorithms.HostKey != tt.hostAlg {
				t.Errorf("HostKey alg = %q", res.Algorithms.HostKey)
			}
		})
	}
}

func TestExchangeRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, ed25519Signer(t), "curve25519-sha256", "ssh-ed25519")
	srv.corruptSig = true

	_, _, _, err := runExchange(t, srv, "curve25519-sha256")
	if !errs.Is(err, errs.KindKeyExchangeFailed) {
		t.Errorf("error = %v, want KeyExchangeFailed", err)
	}
}

func TestVerifySignatureFormatMismatch(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, _ := ssh.NewSignerFromKey(rsaKey)
	sum := sha256.Sum256([]byte("exchange hash"))
	h := sum[:]

	// Legacy ssh-rsa signature when rsa-sha2-256 was negotiated.
	sig, err := signer.(ssh.AlgorithmSigner).SignWithAlgorithm(rand.Reader, h, ssh.KeyAlgoRSA)
	if err != nil {
		t.Fatal(err)
	}
	err = VerifySignature("rsa-sha2-256", signer.PublicKey().Marshal(), h, MarshalSignature(sig))
	if !errs.Is(err, errs.KindKeyExchangeFailed) {
		t.Errorf("error = %v, want KeyExchangeFailed", err)
	}

	// Key type that does not belong to the negotiated algorithm.
	edSigner := ed25519Signer(t)
	edSig, _ := edSigner.Sign(rand.Reader, h)
	err = VerifySignature("ecdsa-sha2-nistp256", edSigner.PublicKey().Marshal(), h, MarshalSignature(edSig))
	if !errs.Is(err, errs.KindKeyExchangeFailed) {
		t.Errorf("error = %v, want KeyExchangeFailed", err)
	}

	if err := VerifySignature("ssh-ed25519", []byte("junk"), h, nil); err == nil {
		t.Error("expected error for unparsable host key")
	}
	if err := VerifySignature("ssh-ed25519", edSigner.PublicKey().Marshal(), h, []byte{0, 0}); err == nil {
		t.Error("expected error for malformed signature")
	}
}

func TestHandleReplyBeforeKexInit(t *testing.T) {
	ctx := NewContext(realcrypto.New(), clientVersion, serverVersion, nil)
	if _, err := ctx.HandleReply([]byte{wire.MsgKexDHReply}); !errs.Is(err, errs.KindProtocol) {
		t.Errorf("error = %v, want ProtocolError", err)
	}
}

func TestResultKeys(t *testing.T) {
	srv := newTestServer(t, ed25519Signer(t), "curve25519-sha256", "ssh-ed25519")
	res, _, _, err := runExchange(t, srv, "curve25519-sha256")
	if err != nil {
		t.Fatal(err)
	}

	var sid SessionID
	keys, err := res.Keys(sid.SetOnce(res.H))
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	// chacha20-poly1305 is the default first cipher.
	if len(keys.KeyClientToServer) != 64 || len(keys.IVClientToServer) != 0 {
		t.Errorf("key sizes = %d/%d", len(keys.KeyClientToServer), len(keys.IVClientToServer))
	}

	res.Wipe()
	if !bytes.Equal(res.SharedSecret, make([]byte, len(res.SharedSecret))) {
		t.Error("Wipe() left the shared secret")
	}
}
