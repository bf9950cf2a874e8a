// Command genkey prints a fresh bot API key and the hash stored for it.
// Operators use it to seed or repair bots directly in the database.
package main

import (
	"fmt"
	"os"

	"github.com/thedotmack/aims-sub001/internal/crypto"
)

func main() {
	key, hash, err := crypto.NewAPIKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		os.Exit(1)
	}

	fmt.Printf("API key:      %s\n", key)
	fmt.Printf("Stored hash:  %s\n", hash)
}
