package backup

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
)

// Armored export framing. The payload between the markers is base64 of:
// version byte, 16-byte salt, 16-byte iv, 4-byte big-endian round count,
// AES-256-CTR ciphertext, and a trailing HMAC-SHA256 over everything before
// it. Key material is 64 bytes of PBKDF2-SHA512 output, split between cipher
// and MAC.
const (
	armorHeader = "-----BEGIN MEGOLM SESSION DATA-----"
	armorFooter = "-----END MEGOLM SESSION DATA-----"

	exportVersion = 0x01
	saltLength    = 16
	ivLength      = 16
	macLength     = 32

	// Imports reject round counts beyond this; a crafted file must not be able
	// to stall the importer in the KDF.
	maxImportKDFRounds = 1 << 22
)

// exportedSession is one inbound session in the portable export format.
type exportedSession struct {
	Algorithm          string            `json:"algorithm"`
	RoomID             string            `json:"room_id"`
	SessionID          string            `json:"session_id"`
	SessionKey         string            `json:"session_key"`
	SenderKey          string            `json:"sender_key"`
	SenderClaimedKeys  map[string]string `json:"sender_claimed_keys"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

// ExportRoomKeys serializes every inbound session into the armored,
// passphrase-protected export format.
func (m *Manager) ExportRoomKeys(ctx context.Context, passphrase string) (string, error) {
	recs, err := m.store.GroupSessions().List(ctx)
	if err != nil {
		return "", err
	}
	sessions := make([]exportedSession, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		var chain []string
		if err := rec.ForwardingChain.Unmarshal(&chain); err != nil {
			return "", err
		}
		sessions = append(sessions, exportedSession{
			Algorithm:          "m.megolm.v1.aes-sha2",
			RoomID:             rec.RoomID,
			SessionID:          rec.SessionID,
			SessionKey:         rec.SessionKey,
			SenderKey:          rec.SenderKey,
			SenderClaimedKeys:  map[string]string{"ed25519": rec.SenderClaimedEd},
			ForwardingKeyChain: chain,
		})
	}
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return "", err
	}

	var salt [saltLength]byte
	var iv [ivLength]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", err
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return "", err
	}
	rounds := m.cfg.ExportKDFRounds
	key := pbkdf2.Key([]byte(passphrase), salt[:], rounds, 64, sha512.New)

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(ciphertext, plaintext)

	body := make([]byte, 0, 1+saltLength+ivLength+4+len(ciphertext)+macLength)
	body = append(body, exportVersion)
	body = append(body, salt[:]...)
	body = append(body, iv[:]...)
	body = binary.BigEndian.AppendUint32(body, uint32(rounds))
	body = append(body, ciphertext...)
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body)
	body = append(body, mac.Sum(nil)...)

	metrics.BackupOperationsTotal.WithLabelValues("export").Inc()
	return armorHeader + "\n" + base64.StdEncoding.EncodeToString(body) + "\n" + armorFooter + "\n", nil
}

// ImportRoomKeys opens an armored export with the passphrase and imports its
// sessions. Already known sessions follow the usual keep-the-earlier-key rule.
func (m *Manager) ImportRoomKeys(ctx context.Context, armored, passphrase string) (int, error) {
	body, err := unarmor(armored)
	if err != nil {
		return 0, err
	}
	if len(body) < 1+saltLength+ivLength+4+macLength || body[0] != exportVersion {
		return 0, ErrCorruptExport
	}
	salt := body[1 : 1+saltLength]
	iv := body[1+saltLength : 1+saltLength+ivLength]
	rounds := binary.BigEndian.Uint32(body[1+saltLength+ivLength : 1+saltLength+ivLength+4])
	if rounds == 0 || rounds > maxImportKDFRounds {
		return 0, ErrCorruptExport
	}
	ciphertext := body[1+saltLength+ivLength+4 : len(body)-macLength]
	theirMAC := body[len(body)-macLength:]

	key := pbkdf2.Key([]byte(passphrase), salt, int(rounds), 64, sha512.New)
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body[:len(body)-macLength])
	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return 0, ErrBadPassphrase
	}

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return 0, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var sessions []exportedSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return 0, ErrBadPassphrase
	}

	imported := 0
	for _, s := range sessions {
		data := sessionData{
			Algorithm:          s.Algorithm,
			SenderKey:          s.SenderKey,
			SessionKey:         s.SessionKey,
			SenderClaimedKeys:  s.SenderClaimedKeys,
			ForwardingKeyChain: s.ForwardingKeyChain,
		}
		if err := m.importSession(ctx, s.RoomID, s.SessionID, data, false); err != nil {
			m.log.Warn("backup: skipping session from export",
				"session_id", s.SessionID, "error", err)
			continue
		}
		imported++
	}
	metrics.BackupOperationsTotal.WithLabelValues("import").Inc()
	return imported, nil
}

func unarmor(armored string) ([]byte, error) {
	text := strings.TrimSpace(armored)
	if !strings.HasPrefix(text, armorHeader) || !strings.HasSuffix(text, armorFooter) {
		return nil, ErrCorruptExport
	}
	inner := text[len(armorHeader) : len(text)-len(armorFooter)]
	inner = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, inner)
	body, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return nil, ErrCorruptExport
	}
	return body, nil
}
