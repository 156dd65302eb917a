//go:build !unix

package sandbox

import "syscall"

func sysProcAttr() *syscall.SysProcAttr { return nil }
