// Command keygate-hash prints the bcrypt hash of a password, for use as
// KEYGATE_AUTH_ADMIN_PASSWORD_HASH.
package main

import (
	"fmt"
	"os"

	"keygate/internal/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: keygate-hash <password>")
		os.Exit(2)
	}
	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygate-hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
