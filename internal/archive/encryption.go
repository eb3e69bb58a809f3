package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted archives are a header followed by sealed chunks:
//
//	magic(4) | salt(16) | nonce prefix(8) | { length(4) | ciphertext }...
//
// The high bit of length marks the final chunk, so a truncated stream is
// detected instead of decrypting to a shorter archive.
const (
	keyIterations = 100000
	keySize       = 32
	saltSize      = 16
	prefixSize    = 8
	chunkSize     = 64 * 1024
	finalFlag     = uint32(1) << 31
)

var encryptedMagic = []byte("MGA1")

// EncryptionError reports a failure to seal or open an archive
type EncryptionError struct {
	Message string
	Cause   error
}

// NewEncryptionError creates an EncryptionError
func NewEncryptionError(message string, cause error) *EncryptionError {
	return &EncryptionError{Message: message, Cause: cause}
}

func (e *EncryptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *EncryptionError) Unwrap() error { return e.Cause }

// DeriveKey derives an AES-256 key from a passphrase using PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, keyIterations, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func chunkNonce(prefix []byte, counter uint32, size int) []byte {
	nonce := make([]byte, size)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[size-4:], counter)
	return nonce
}

type encryptWriter struct {
	w       io.Writer
	gcm     cipher.AEAD
	prefix  []byte
	counter uint32
	buf     []byte
	closed  bool
}

// NewEncryptWriter seals everything written to it with AES-256-GCM. Close
// writes the final chunk and must be called; it does not close w.
func NewEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, NewEncryptionError("passphrase is empty", nil)
	}

	header := make([]byte, 0, len(encryptedMagic)+saltSize+prefixSize)
	header = append(header, encryptedMagic...)
	random := make([]byte, saltSize+prefixSize)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return nil, NewEncryptionError("failed to generate salt", err)
	}
	header = append(header, random...)

	gcm, err := newGCM(DeriveKey(passphrase, random[:saltSize]))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		return nil, NewEncryptionError("failed to write header", err)
	}

	return &encryptWriter{
		w:      w,
		gcm:    gcm,
		prefix: random[saltSize:],
		buf:    make([]byte, 0, chunkSize),
	}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, NewEncryptionError("write after close", nil)
	}
	n := len(p)
	e.buf = append(e.buf, p...)
	// keep at least one byte buffered so the final chunk is written by Close
	for len(e.buf) > chunkSize {
		if err := e.seal(e.buf[:chunkSize], false); err != nil {
			return 0, err
		}
		e.buf = append(e.buf[:0], e.buf[chunkSize:]...)
	}
	return n, nil
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.seal(e.buf, true)
}

func (e *encryptWriter) seal(plain []byte, final bool) error {
	nonce := chunkNonce(e.prefix, e.counter, e.gcm.NonceSize())
	e.counter++

	length := uint32(len(plain) + e.gcm.Overhead())
	aad := []byte{0}
	if final {
		length |= finalFlag
		aad[0] = 1
	}
	sealed := e.gcm.Seal(nil, nonce, plain, aad)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], length)
	if _, err := e.w.Write(hdr[:]); err != nil {
		return NewEncryptionError("failed to write chunk", err)
	}
	if _, err := e.w.Write(sealed); err != nil {
		return NewEncryptionError("failed to write chunk", err)
	}
	return nil
}

type decryptReader struct {
	r       io.Reader
	gcm     cipher.AEAD
	prefix  []byte
	counter uint32
	plain   bytes.Reader
	done    bool
}

// NewDecryptReader opens a stream produced by NewEncryptWriter
func NewDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	header := make([]byte, len(encryptedMagic)+saltSize+prefixSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, NewEncryptionError("archive is too short to be encrypted", err)
	}
	if !bytes.Equal(header[:len(encryptedMagic)], encryptedMagic) {
		return nil, NewEncryptionError("archive is not encrypted", nil)
	}
	salt := header[len(encryptedMagic) : len(encryptedMagic)+saltSize]

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return &decryptReader{
		r:      r,
		gcm:    gcm,
		prefix: header[len(encryptedMagic)+saltSize:],
	}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for d.plain.Len() == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	return d.plain.Read(p)
}

func (d *decryptReader) next() error {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return NewEncryptionError("archive is truncated", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	final := length&finalFlag != 0
	length &^= finalFlag
	if length > chunkSize+uint32(d.gcm.Overhead()) {
		return NewEncryptionError(fmt.Sprintf("chunk of %d bytes exceeds the chunk size", length), nil)
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return NewEncryptionError("archive is truncated", err)
	}

	aad := []byte{0}
	if final {
		aad[0] = 1
	}
	plain, err := d.gcm.Open(nil, chunkNonce(d.prefix, d.counter, d.gcm.NonceSize()), sealed, aad)
	if err != nil {
		return NewEncryptionError("failed to decrypt archive (wrong passphrase or corrupted data)", err)
	}
	d.counter++
	d.plain.Reset(plain)
	d.done = final
	return nil
}
