//go:build !unix

package ptybridge

import (
	"fmt"
	"runtime"
)

// Open is not available without Unix pseudo-terminals
func Open(_ *PortOptions) (Port, error) {
	return nil, fmt.Errorf("pseudo-terminals are not supported on %s", runtime.GOOS)
}
