/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sigverify implements the signature key chain: a root public key
// loaded from the kernel user keyring, a table of signer keys whose blobs
// were themselves signed by the root key, and payload verification against
// that chain. All signatures are SHA-256 with RSA PKCS#1 v1.5, detached.
package sigverify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crinit/crinit/fseries"
)

const (
	// DefaultRootKeyDesc is the keyring description searched for when the
	// caller does not override it.
	DefaultRootKeyDesc = `crinit-root`

	// MaxKeyPayload caps the size of any public key blob.
	MaxKeyPayload = 4096

	// KeySuffix and SigSuffix name the on-disk signer key layout.
	KeySuffix = `.key`
	SigSuffix = `.sig`

	signedKeysInitial   = 8
	signedKeysIncrement = 8
)

var (
	ErrNoRootKey    = errors.New("root key not found in keyring")
	ErrKeyTooLarge  = errors.New("key payload exceeds maximum size")
	ErrNotRSA       = errors.New("key is not an RSA public key")
	ErrBadSignature = errors.New("signature did not verify against any key")
	ErrDestroyed    = errors.New("signature subsystem is destroyed")
)

// Keyring abstracts the kernel keyring; tests inject their own.
type Keyring interface {
	//Search finds a key of the given type and description in the user
	//keyring, recursively.
	Search(keyType, desc string) (id int, err error)
	//Read returns the key's payload.
	Read(id int) ([]byte, error)
}

// Context is the signature subsystem. Created by NewContext, destroyed once
// with Destroy. The mutex guards signer table growth only; verification
// reads may run concurrently.
type Context struct {
	mtx    sync.Mutex
	root   *rsa.PublicKey
	signed []*rsa.PublicKey
}

// NewContext searches the keyring for the user-type root key under the
// given description (DefaultRootKeyDesc when empty), reads and parses its
// payload, and holds it for the lifetime of the subsystem. Anything but an
// RSA key is rejected.
func NewContext(kr Keyring, rootDesc string) (*Context, error) {
	if rootDesc == `` {
		rootDesc = DefaultRootKeyDesc
	}
	id, err := kr.Search(`user`, rootDesc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoRootKey, rootDesc, err)
	}
	pld, err := kr.Read(id)
	if err != nil {
		return nil, fmt.Errorf("could not read root key %s: %w", rootDesc, err)
	}
	if len(pld) > MaxKeyPayload {
		return nil, ErrKeyTooLarge
	}
	root, err := parsePublicKey(pld)
	if err != nil {
		return nil, err
	}
	return &Context{
		root:   root,
		signed: make([]*rsa.PublicKey, 0, signedKeysInitial),
	}, nil
}

// parsePublicKey accepts a DER or PEM encoded RSA public key in either
// PKIX or PKCS#1 form.
func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if blk, _ := pem.Decode(data); blk != nil {
		der = blk.Bytes
	}
	if pk, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rk, ok := pk.(*rsa.PublicKey); ok {
			return rk, nil
		}
		return nil, ErrNotRSA
	}
	if rk, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return rk, nil
	}
	return nil, ErrNotRSA
}

// verifyOne checks a detached signature over payload against a single key.
func verifyOne(key *rsa.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig)
}

// LoadSignedKeys walks dir for `<name>.key` files with `<name>.key.sig`
// siblings, verifies each key blob against the root key, and appends the
// parsed keys to the signer table. A key that fails verification or parse
// fails the load.
func (c *Context) LoadSignedKeys(dir string) error {
	if c.root == nil {
		return ErrDestroyed
	}
	fs, err := fseries.FromDir(dir, KeySuffix, false)
	if err != nil {
		return err
	}
	for _, name := range fs.Names {
		keyPath := filepath.Join(fs.BaseDir, name)
		blob, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		if len(blob) > MaxKeyPayload {
			return fmt.Errorf("%w: %s", ErrKeyTooLarge, name)
		}
		sig, err := os.ReadFile(keyPath + SigSuffix)
		if err != nil {
			return err
		}
		if err = verifyOne(c.root, blob, sig); err != nil {
			return fmt.Errorf("signer key %s: %w", name, ErrBadSignature)
		}
		key, err := parsePublicKey(blob)
		if err != nil {
			return fmt.Errorf("signer key %s: %w", name, err)
		}
		c.append(key)
	}
	return nil
}

func (c *Context) append(key *rsa.PublicKey) {
	c.mtx.Lock()
	if len(c.signed) == cap(c.signed) {
		grown := make([]*rsa.PublicKey, len(c.signed), cap(c.signed)+signedKeysIncrement)
		copy(grown, c.signed)
		c.signed = grown
	}
	c.signed = append(c.signed, key)
	c.mtx.Unlock()
}

// SignedKeyCount returns the number of loaded signer keys.
func (c *Context) SignedKeyCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.signed)
}

// Verify checks a detached signature over payload against the key chain:
// the root key and every loaded signer key; any single match is success.
func (c *Context) Verify(payload, sig []byte) error {
	if c.root == nil {
		return ErrDestroyed
	}
	if verifyOne(c.root, payload, sig) == nil {
		return nil
	}
	c.mtx.Lock()
	keys := c.signed
	c.mtx.Unlock()
	for _, k := range keys {
		if verifyOne(k, payload, sig) == nil {
			return nil
		}
	}
	return ErrBadSignature
}

// VerifyFile checks path against its sibling detached `<path>.sig`.
func (c *Context) VerifyFile(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(path + SigSuffix)
	if err != nil {
		return err
	}
	return c.Verify(payload, sig)
}

// Destroy drops the key material; the context is unusable afterwards.
func (c *Context) Destroy() {
	c.mtx.Lock()
	c.root = nil
	c.signed = nil
	c.mtx.Unlock()
}
