package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
)

// deriveKey stretches an arbitrary pre-shared key string to the 32 bytes
// AES-256 requires. No example repo in the pack carries a KDF convenience
// wrapper for this; a plain SHA-256 digest is the standard library's
// idiomatic stand-in and is what AES-256-CBC callers commonly do when the
// shared secret isn't already exactly 32 bytes.
func deriveKey(preShared string) [32]byte {
	return sha256.Sum256([]byte(preShared))
}

// encryptCBC enciphers plaintext with AES-256-CBC under a fresh random IV,
// prepending the IV to the ciphertext as spec §4.1 requires. Plaintext is
// PKCS#7 padded to the block size.
func encryptCBC(plaintext []byte, key string) ([]byte, error) {
	k := deriveKey(key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[len(iv):], padded)

	return out, nil
}

// decryptCBC reverses encryptCBC, splitting the leading IV from the
// ciphertext and removing PKCS#7 padding.
func decryptCBC(data []byte, key string) ([]byte, error) {
	k := deriveKey(key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}

	blockSize := block.BlockSize()
	if len(data) < blockSize || (len(data)-blockSize)%blockSize != 0 {
		return nil, newErr(CodeDecryptFailed, "ciphertext is not a valid length")
	}

	iv := data[:blockSize]
	ciphertext := data[blockSize:]
	if len(ciphertext) == 0 {
		return nil, newErr(CodeDecryptFailed, "empty ciphertext")
	}

	plain := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, newErr(CodeDecryptFailed, "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, newErr(CodeDecryptFailed, "invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, newErr(CodeDecryptFailed, "invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
