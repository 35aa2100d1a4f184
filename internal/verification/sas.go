package verification

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Negotiable parameters. A start message that does not offer all of the
// required values is rejected with m.unknown_method.
const (
	methodSAS         = "m.sas.v1"
	protocolCurve     = "curve25519"
	hashSHA256        = "sha256"
	macHKDFHMACSHA256 = "hkdf-hmac-sha256"
	sasDecimal        = "decimal"
)

const (
	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS|"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC|"
)

type sasKeyPair struct {
	private [32]byte
	public  [32]byte
}

func generateSASKeyPair() (sasKeyPair, error) {
	var kp sasKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return sasKeyPair{}, err
	}
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return sasKeyPair{}, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

func (kp sasKeyPair) publicBase64() string {
	return base64.RawStdEncoding.EncodeToString(kp.public[:])
}

func sharedSecret(kp sasKeyPair, theirKey string) ([]byte, error) {
	their, err := base64.RawStdEncoding.DecodeString(theirKey)
	if err != nil || len(their) != 32 {
		return nil, fmt.Errorf("verification: bad peer public key")
	}
	return curve25519.X25519(kp.private[:], their)
}

// commitmentFor hashes a public key together with the canonical start message
// it answers. The acceptor commits to its key before seeing the starter's.
func commitmentFor(publicKey string, canonicalStart []byte) string {
	h := sha256.New()
	h.Write([]byte(publicKey))
	h.Write(canonicalStart)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// sasBytes derives the five bytes the short authentication string is built
// from. The info string binds both devices and the transaction so each side
// derives the same value only for this exchange.
func sasBytes(secret []byte, starterUser, starterDevice, otherUser, otherDevice, transactionID string) ([5]byte, error) {
	info := sasInfoPrefix + starterUser + "|" + starterDevice + "|" + otherUser + "|" + otherDevice + "|" + transactionID
	hk := hkdf.New(sha256.New, secret, nil, []byte(info))
	var out [5]byte
	if _, err := io.ReadFull(hk, out[:]); err != nil {
		return [5]byte{}, err
	}
	return out, nil
}

// decimalSAS maps the SAS bytes onto three numbers in 1000..9191 for the user
// to compare.
func decimalSAS(b [5]byte) [3]int {
	return [3]int{
		(int(b[0])<<5|int(b[1])>>3)&0x1fff + 1000,
		(int(b[1]&0x7)<<10|int(b[2])<<2|int(b[3])>>6)&0x1fff + 1000,
		(int(b[3]&0x3f)<<7|int(b[4])>>1)&0x1fff + 1000,
	}
}

// computeMAC authenticates one device key under the shared secret. The info
// string names the sending device and the key id being authenticated.
func computeMAC(secret []byte, value, senderUser, senderDevice, transactionID, keyID string) (string, error) {
	info := macInfoPrefix + senderUser + "|" + senderDevice + "|" + transactionID + "|" + keyID
	hk := hkdf.New(sha256.New, secret, nil, []byte(info))
	var macKey [32]byte
	if _, err := io.ReadFull(hk, macKey[:]); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, macKey[:])
	mac.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func macEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
