package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// PadMessage pads data to the next 16-byte boundary using the protocol's
// custom scheme: a single 0x80 marker byte immediately after the data,
// then zeros to the block boundary. This is deliberately not PKCS#7 —
// unpadding never inspects the trailing bytes, it truncates to a length
// carried out-of-band in the frame header (see UnpadToLength).
func PadMessage(data []byte) []byte {
	padded := len(data) + 1
	if r := padded % aes.BlockSize; r != 0 {
		padded += aes.BlockSize - r
	}
	buf := make([]byte, padded)
	copy(buf, data)
	buf[len(data)] = 0x80
	return buf
}

// UnpadToLength truncates a decrypted block-multiple plaintext to origLen.
// Per the protocol, origLen is always carried in the frame header; the
// 0x80 marker byte is never inspected on this path.
func UnpadToLength(plaintext []byte, origLen int) ([]byte, error) {
	if origLen < 0 || origLen > len(plaintext) {
		return nil, fmt.Errorf("cryptoprim: orig_len %d out of range for %d-byte plaintext", origLen, len(plaintext))
	}
	return plaintext[:origLen], nil
}

// EncryptCBC128 encrypts plaintext (already padded to a 16-byte multiple
// by PadMessage) under a 16-byte key and 16-byte IV using AES-128-CBC.
func EncryptCBC128(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("cryptoprim: AES-128 key must be 16 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cryptoprim: IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cryptoprim: plaintext length %d is not a block multiple", len(plaintext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: new cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// DecryptCBC128 decrypts ciphertext (a 16-byte multiple) under a 16-byte
// key and 16-byte IV using AES-128-CBC. The caller is responsible for
// truncating the result via UnpadToLength.
func DecryptCBC128(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("cryptoprim: AES-128 key must be 16 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cryptoprim: IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cryptoprim: ciphertext length %d is not a nonzero block multiple", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: new cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}
