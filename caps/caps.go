/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package caps implements capability mask handling for task launch: parsing
// CAP_* name lists into bitmasks and applying ambient/inheritable sets
// before handing a child to the launcher.
package caps

import (
	"errors"
	"fmt"
	"strings"
)

// Capabilities is a bitmask over the kernel capability numbering; bit n is
// the capability whose CAP_* constant value is n.
type Capabilities uint64

const All Capabilities = 0xffffffffffffffff

// Capability bit numbers, matching the kernel UAPI values. Regenerate the
// tail when the kernel bumps CAP_LAST_CAP.
const (
	CHOWN Capabilities = iota
	DAC_OVERRIDE
	DAC_READ_SEARCH
	FOWNER
	FSETID
	KILL
	SETGID
	SETUID
	SETPCAP
	LINUX_IMMUTABLE
	NET_BIND_SERVICE
	NET_BROADCAST
	NET_ADMIN
	NET_RAW
	IPC_LOCK
	IPC_OWNER
	SYS_MODULE
	SYS_RAWIO
	SYS_CHROOT
	SYS_PTRACE
	SYS_PACCT
	SYS_ADMIN
	SYS_BOOT
	SYS_NICE
	SYS_RESOURCE
	SYS_TIME
	SYS_TTY_CONFIG
	MKNOD
	LEASE
	AUDIT_WRITE
	AUDIT_CONTROL
	SETFCAP
	MAC_OVERRIDE
	MAC_ADMIN
	SYSLOG
	WAKE_ALARM
	BLOCK_SUSPEND
	AUDIT_READ
	PERFMON
	BPF
	CHECKPOINT_RESTORE
)

const (
	minCap = CHOWN
	// LastCap tracks the kernel's CAP_LAST_CAP; masks with higher bits set
	// are rejected.
	LastCap = CHECKPOINT_RESTORE
)

var (
	ErrUnknownCap = errors.New("unknown capability name")
	ErrCapRange   = errors.New("capability bit beyond CAP_LAST_CAP")
)

// capNames is indexed by the kernel capability value.
var capNames = []string{
	`CAP_CHOWN`,
	`CAP_DAC_OVERRIDE`,
	`CAP_DAC_READ_SEARCH`,
	`CAP_FOWNER`,
	`CAP_FSETID`,
	`CAP_KILL`,
	`CAP_SETGID`,
	`CAP_SETUID`,
	`CAP_SETPCAP`,
	`CAP_LINUX_IMMUTABLE`,
	`CAP_NET_BIND_SERVICE`,
	`CAP_NET_BROADCAST`,
	`CAP_NET_ADMIN`,
	`CAP_NET_RAW`,
	`CAP_IPC_LOCK`,
	`CAP_IPC_OWNER`,
	`CAP_SYS_MODULE`,
	`CAP_SYS_RAWIO`,
	`CAP_SYS_CHROOT`,
	`CAP_SYS_PTRACE`,
	`CAP_SYS_PACCT`,
	`CAP_SYS_ADMIN`,
	`CAP_SYS_BOOT`,
	`CAP_SYS_NICE`,
	`CAP_SYS_RESOURCE`,
	`CAP_SYS_TIME`,
	`CAP_SYS_TTY_CONFIG`,
	`CAP_MKNOD`,
	`CAP_LEASE`,
	`CAP_AUDIT_WRITE`,
	`CAP_AUDIT_CONTROL`,
	`CAP_SETFCAP`,
	`CAP_MAC_OVERRIDE`,
	`CAP_MAC_ADMIN`,
	`CAP_SYSLOG`,
	`CAP_WAKE_ALARM`,
	`CAP_BLOCK_SUSPEND`,
	`CAP_AUDIT_READ`,
	`CAP_PERFMON`,
	`CAP_BPF`,
	`CAP_CHECKPOINT_RESTORE`,
}

var capValues map[string]Capabilities

func init() {
	capValues = make(map[string]Capabilities, len(capNames))
	for i, n := range capNames {
		capValues[n] = Capabilities(i)
	}
}

// FromNames parses a whitespace separated list of CAP_* names into a
// bitmask. Unknown names are an error.
func FromNames(list string) (mask Capabilities, err error) {
	for _, n := range strings.Fields(list) {
		v, ok := capValues[n]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownCap, n)
			return
		}
		mask |= 1 << v
	}
	return
}

// Has reports whether the mask carries the given capability bit number.
func (c Capabilities) Has(v Capabilities) bool {
	return (c & (1 << v)) != 0
}

// Names expands the mask back into its CAP_* names, lowest bit first.
func (c Capabilities) Names() (out []string) {
	for i := minCap; i <= LastCap; i++ {
		if c.Has(i) {
			out = append(out, capNames[i])
		}
	}
	return
}

// Hex renders the mask the way the launcher argv wants it.
func (c Capabilities) Hex() string {
	return fmt.Sprintf("%x", uint64(c))
}

// checkRange rejects masks with bits above CAP_LAST_CAP set.
func checkRange(mask Capabilities) error {
	if uint64(mask)>>(uint(LastCap)+1) != 0 {
		return ErrCapRange
	}
	return nil
}
