//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package logio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/host"
)

var kernelVersion string

func init() {
	if val, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		kernelVersion = string(bytes.Trim(val, " \n\r"))
	}
}

// PrintOSInfo emits the boot banner, best effort.
func PrintOSInfo(wtr io.Writer) {
	if platform, _, version, err := host.PlatformInformation(); err == nil {
		fmt.Fprintf(wtr, "OS:\t\t%s %s [%s] (%s %s)\n", runtime.GOOS, runtime.GOARCH, kernelVersion, platform, version)
	} else {
		fmt.Fprintf(wtr, "OS:\t\t%s %s [%s]\n", runtime.GOOS, runtime.GOARCH, kernelVersion)
	}
}

// kmsg priorities per the kernel's printk levels, daemon facility (3<<3).
const kmsgPrioInfo = `<30>`

type kmsgWriter struct {
	f *os.File
}

// NewKmsgWriter opens /dev/kmsg for early-boot logging, before any real
// console or log sink exists.
func NewKmsgWriter() (io.WriteCloser, error) {
	f, err := os.OpenFile(`/dev/kmsg`, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &kmsgWriter{f: f}, nil
}

func (k *kmsgWriter) Write(b []byte) (n int, err error) {
	//each write must be a single record, newlines embedded in b would split it
	b = bytes.ReplaceAll(b, []byte("\n"), []byte(" "))
	if _, err = k.f.Write(append([]byte(kmsgPrioInfo), b...)); err == nil {
		n = len(b)
	}
	return
}

func (k *kmsgWriter) Close() error {
	return k.f.Close()
}
