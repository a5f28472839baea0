package crypter

import "errors"

var (
	errWrongKeySize         = errors.New("crypter: key must be 32 bytes")
	errWrongIVSize          = errors.New("crypter: iv must be 16 bytes")
	errCryptoInitFailed     = errors.New("crypter: key not set")
	errCryptoFinalizeFailed = errors.New("crypter: finalize failed")
)
