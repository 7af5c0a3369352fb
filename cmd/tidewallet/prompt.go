package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptMnemonic reads a mnemonic from stdin. The words are echoed since
// users typically read them back while typing.
func promptMnemonic() (string, error) {
	fmt.Print("Enter mnemonic: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading mnemonic: %w", err)
	}

	return strings.Join(strings.Fields(line), " "), nil
}

// promptPassphrase reads the optional BIP39 passphrase without echoing it.
func promptPassphrase() (string, error) {
	fmt.Print("Enter passphrase (empty for none): ")

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}

	return string(raw), nil
}
