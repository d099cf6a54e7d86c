//go:build windows

package credential

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"unsafe"

	"golang.org/x/sys/windows"
)

// CRYPTPROTECT_LOCAL_MACHINE scopes the protected blob to the machine
// rather than the calling user's profile, so a service running as
// LocalSystem can decrypt it even across interactive-user logon changes.
const cryptProtectLocalMachine = 0x4

var (
	modcrypt32           = windows.NewLazySystemDLL("crypt32.dll")
	procCryptProtectData = modcrypt32.NewProc("CryptProtectData")
	procCryptUnprotect   = modcrypt32.NewProc("CryptUnprotectData")
)

type dataBlob struct {
	size uint32
	data *byte
}

func newBlob(b []byte) *dataBlob {
	if len(b) == 0 {
		return &dataBlob{}
	}
	return &dataBlob{size: uint32(len(b)), data: &b[0]}
}

func (b *dataBlob) bytes() []byte {
	if b.data == nil || b.size == 0 {
		return nil
	}
	return unsafe.Slice(b.data, int(b.size))
}

// wrap protects plain with the machine-scoped Windows data protection API,
// then base64-encodes the result for safe storage in a text file.
func wrap(plain []byte) ([]byte, error) {
	var out dataBlob
	in := newBlob(plain)

	r, _, err := procCryptProtectData.Call(
		uintptr(unsafe.Pointer(in)),
		0, // description
		0, // optional entropy
		0, // reserved
		0, // prompt struct
		uintptr(cryptProtectLocalMachine),
		uintptr(unsafe.Pointer(&out)),
	)
	if r == 0 {
		return nil, fmt.Errorf("CryptProtectData: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.data)))

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out.bytes())))
	base64.StdEncoding.Encode(encoded, out.bytes())
	return encoded, nil
}

// unwrap reverses wrap: base64-decode, then CryptUnprotectData.
func unwrap(raw []byte) ([]byte, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	decoded = decoded[:n]

	var out dataBlob
	in := newBlob(decoded)

	r, _, err := procCryptUnprotect.Call(
		uintptr(unsafe.Pointer(in)),
		0,
		0,
		0,
		0,
		uintptr(cryptProtectLocalMachine),
		uintptr(unsafe.Pointer(&out)),
	)
	if r == 0 {
		return nil, fmt.Errorf("CryptUnprotectData: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.data)))

	plain := make([]byte, len(out.bytes()))
	copy(plain, out.bytes())
	return plain, nil
}

func filePermissions() fs.FileMode {
	// Windows has no POSIX mode bits; the file inherits the default user
	// ACLs of its parent directory, which CredentialStore does not alter.
	return 0666
}
