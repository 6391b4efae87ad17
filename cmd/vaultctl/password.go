package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// promptPassword echoes prompt to stderr and reads a line from the
// terminal with echo disabled.
func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
