//go:build windows

package main

import "os"

// redirectStderr does nothing on Windows.
func redirectStderr(f *os.File) {}
