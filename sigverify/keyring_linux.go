//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sigverify

import (
	"golang.org/x/sys/unix"
)

// UserKeyring is the kernel user keyring, the production key source.
type UserKeyring struct{}

// Search recursively searches the user keyring for a key of the given type
// and description.
func (UserKeyring) Search(keyType, desc string) (int, error) {
	return unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, keyType, desc, 0)
}

// Read returns the key payload, capped at MaxKeyPayload.
func (UserKeyring) Read(id int) ([]byte, error) {
	buf := make([]byte, MaxKeyPayload)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return nil, err
	}
	if n > len(buf) {
		return nil, ErrKeyTooLarge
	}
	return buf[:n], nil
}
