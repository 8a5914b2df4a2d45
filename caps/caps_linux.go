//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package caps

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	linuxCapV3 = 0x20080522

	//securebits flag retaining permitted caps across a uid change
	secbitKeepCaps = 0x10
)

type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

func capget(pid int32) (eff, perm, inh Capabilities, err error) {
	hdr := capHeader{
		version: linuxCapV3,
		pid:     pid,
	}
	var data [2]capData
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data)), 0)
	if e1 != 0 {
		err = e1
		return
	}
	eff = Capabilities(uint64(data[0].effective) | (uint64(data[1].effective) << 32))
	perm = Capabilities(uint64(data[0].permitted) | (uint64(data[1].permitted) << 32))
	inh = Capabilities(uint64(data[0].inheritable) | (uint64(data[1].inheritable) << 32))
	return
}

func capset(eff, perm, inh Capabilities) error {
	hdr := capHeader{
		version: linuxCapV3,
	}
	var data [2]capData
	data[0].effective = uint32(eff)
	data[1].effective = uint32(eff >> 32)
	data[0].permitted = uint32(perm)
	data[1].permitted = uint32(perm >> 32)
	data[0].inheritable = uint32(inh)
	data[1].inheritable = uint32(inh >> 32)
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data)), 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// GetCaps returns the effective capability set of the current process; root
// short circuits to All.
func GetCaps() (c Capabilities, err error) {
	if os.Getuid() == 0 || os.Geteuid() == 0 {
		c = All
		return
	}
	c, _, _, err = capget(0)
	return
}

// GetInheritable returns the inheritable capability set of the current
// process.
func GetInheritable() (c Capabilities, err error) {
	_, _, c, err = capget(0)
	return
}

// PidHasCap reports whether the given process holds the capability in its
// effective set.
func PidHasCap(pid int, v Capabilities) (bool, error) {
	if v > LastCap {
		return false, ErrCapRange
	}
	eff, _, _, err := capget(int32(pid))
	if err != nil {
		return false, err
	}
	return eff.Has(v), nil
}

// SetInheritable raises the mask's bits in the process inheritable set,
// keeping effective and permitted as they are.
func SetInheritable(mask Capabilities) error {
	if err := checkRange(mask); err != nil {
		return err
	}
	eff, perm, _, err := capget(0)
	if err != nil {
		return err
	}
	return capset(eff, perm, mask)
}

// SetAmbient raises every bit of the mask in the ambient set. Bits must
// already be present in the inheritable and permitted sets or the kernel
// refuses.
func SetAmbient(mask Capabilities) error {
	if err := checkRange(mask); err != nil {
		return err
	}
	for i := minCap; i <= LastCap; i++ {
		if !mask.Has(i) {
			continue
		}
		if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(i), 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// KeepCaps sets SECBIT_KEEP_CAPS so permitted capabilities survive the
// launcher's setuid.
func KeepCaps() error {
	bits, err := unix.PrctlRetInt(unix.PR_GET_SECUREBITS, 0, 0, 0, 0)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_SECUREBITS, uintptr(bits|secbitKeepCaps), 0, 0, 0)
}
