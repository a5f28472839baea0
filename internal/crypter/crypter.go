// Package crypter implements the symmetric primitive the rest of the core
// builds on: AES-256-CBC with PKCS#7 padding, operating on whole buffers
// (no streaming).
//
// Grounded on godaddy-x-freego/utils/crypto_aes.go's aes256CbcEncrypt/
// aes256CbcDecrypt and PKCS7Padding/PKCS7UnPadding, restructured as a
// stateful SetKey/Encrypt/Decrypt object per spec section 4.A.
package crypter

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/DigitSF/smsg/internal/smsgerr"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// IVSize is the AES block size used as the CBC IV.
	IVSize = aes.BlockSize
)

// Crypter holds a symmetric key and IV pair for one message's AES-256-CBC
// encryption. It has no streaming API; Encrypt and Decrypt operate on
// whole buffers, matching how the core always has a complete plaintext or
// ciphertext in hand before calling in.
type Crypter struct {
	key    [KeySize]byte
	iv     [IVSize]byte
	fKeySet bool
}

// SetKey installs the key and IV used by subsequent Encrypt/Decrypt calls.
func (c *Crypter) SetKey(key []byte, iv []byte) error {
	if len(key) != KeySize {
		return smsgerr.New(smsgerr.KindCryptoFailed, errWrongKeySize)
	}
	if len(iv) != IVSize {
		return smsgerr.New(smsgerr.KindCryptoFailed, errWrongIVSize)
	}
	copy(c.key[:], key)
	copy(c.iv[:], iv)
	c.fKeySet = true
	return nil
}

// Encrypt pads plain with PKCS#7 and encrypts it with AES-256-CBC.
func (c *Crypter) Encrypt(plain []byte) ([]byte, error) {
	if !c.fKeySet {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, errCryptoInitFailed)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, err)
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts cipherText with AES-256-CBC and strips PKCS#7 padding.
func (c *Crypter) Decrypt(cipherText []byte) ([]byte, error) {
	if !c.fKeySet {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, errCryptoInitFailed)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, err)
	}
	if len(cipherText) == 0 || len(cipherText)%block.BlockSize() != 0 {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, errCryptoFinalizeFailed)
	}
	out := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, c.iv[:]).CryptBlocks(out, cipherText)
	plain, err := pkcs7Unpad(out)
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindCryptoFailed, errCryptoFinalizeFailed)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(append([]byte{}, data...), pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, errCryptoFinalizeFailed
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n {
		return nil, errCryptoFinalizeFailed
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errCryptoFinalizeFailed
		}
	}
	return data[:n-padLen], nil
}
